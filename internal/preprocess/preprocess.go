package preprocess

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/corona10/goimagehash"
	xdraw "golang.org/x/image/draw"

	"github.com/receiptwise/pipeline/constants"
	"github.com/receiptwise/pipeline/internal/blob"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/entity"
	"github.com/receiptwise/pipeline/internal/repository"
)

const webpQuality = 85

// ProgressFunc reports a coarse named checkpoint to whoever runs the stage.
type ProgressFunc func(step string)

// Result is what the preprocessor hands to the recognition queue.
type Result struct {
	ArtifactKey    string
	SmallKey       string
	ContentHash    string
	PerceptualHash string
	Width          int
	Height         int
	ByteSize       int
}

// Stage normalizes an upload into two deduplicated web-ready variants and
// registers their existence.
type Stage struct {
	store  blob.Store
	media  repository.MediaObjectRepository
	logger *slog.Logger
}

func NewStage(store blob.Store, media repository.MediaObjectRepository, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{store: store, media: media, logger: logger}
}

// Process runs the full preprocessing contract for one upload. All steps are
// synchronous; any error leaves no partially registered row behind (the
// media upsert is the last write and is itself idempotent).
func (s *Stage) Process(ctx context.Context, userID, filePath string, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string) {}
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	progress("decode")
	img, err := Decode(data, filepath.Ext(filePath))
	if err != nil {
		return nil, err
	}

	progress("hash")
	sum := sha256.Sum256(img.Pix)
	contentHash := hex.EncodeToString(sum[:])
	ctx = common.WithContentHash(ctx, contentHash)

	phash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return nil, fmt.Errorf("perceptual hash: %w", err)
	}
	perceptual := fmt.Sprintf("%016x", phash.GetHash())

	progress("variants")
	large, err := encodeVariant(img, constants.VariantLarge)
	if err != nil {
		return nil, err
	}
	small, err := encodeVariant(img, constants.VariantSmall)
	if err != nil {
		return nil, err
	}

	largeKey := variantKey(userID, contentHash, constants.VariantLarge)
	smallKey := variantKey(userID, contentHash, constants.VariantSmall)

	progress("upload")
	if err := s.upload(ctx, largeKey, large.bytes); err != nil {
		return nil, err
	}
	if err := s.upload(ctx, smallKey, small.bytes); err != nil {
		return nil, err
	}

	progress("register")
	row := entity.MediaObject{
		ArtifactKey:    largeKey,
		OwnerID:        userID,
		PerceptualHash: perceptual,
		Width:          large.width,
		Height:         large.height,
		ByteSize:       len(large.bytes),
		Status:         constants.StatusPreprocessed,
	}
	if err := s.media.Upsert(ctx, row); err != nil {
		return nil, err
	}

	s.logger.Info("preprocessed upload",
		"owner_id", userID,
		"artifact_key", largeKey,
		"content_hash", contentHash,
		"width", large.width,
		"height", large.height,
	)

	return &Result{
		ArtifactKey:    largeKey,
		SmallKey:       smallKey,
		ContentHash:    contentHash,
		PerceptualHash: perceptual,
		Width:          large.width,
		Height:         large.height,
		ByteSize:       len(large.bytes),
	}, nil
}

// upload stores a variant with create-if-absent semantics. A key that already
// exists means a previous run stored identical content, which is success.
func (s *Stage) upload(ctx context.Context, key string, data []byte) error {
	err := s.store.PutIfAbsent(ctx, key, data, "image/webp")
	if errors.Is(err, common.ErrAlreadyExists) {
		s.logger.Debug("variant already stored, deduplicated",
			"key", key, "content_hash", common.ContentHashFromContext(ctx))
		return nil
	}
	return err
}

func variantKey(ownerID, contentHash string, width int) string {
	return fmt.Sprintf("%s/%s_%d.webp", ownerID, contentHash, width)
}

type variant struct {
	bytes  []byte
	width  int
	height int
}

// encodeVariant scales the corrected buffer down to the target width (never
// up) and re-encodes it as webp.
func encodeVariant(src *image.NRGBA, targetWidth int) (variant, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	out := src
	if w > targetWidth {
		scaled := image.NewNRGBA(image.Rect(0, 0, targetWidth, h*targetWidth/w))
		xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), src, b, xdraw.Over, nil)
		out = scaled
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, out, &webp.Options{Quality: webpQuality}); err != nil {
		return variant{}, fmt.Errorf("encode webp: %w", err)
	}
	return variant{bytes: buf.Bytes(), width: out.Bounds().Dx(), height: out.Bounds().Dy()}, nil
}
