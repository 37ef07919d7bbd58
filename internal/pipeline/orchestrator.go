package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/receiptwise/pipeline/constants"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/enrich"
	"github.com/receiptwise/pipeline/internal/entity"
	"github.com/receiptwise/pipeline/internal/metrics"
	"github.com/receiptwise/pipeline/internal/preprocess"
	"github.com/receiptwise/pipeline/internal/queue"
	"github.com/receiptwise/pipeline/internal/recognize"
)

// Orchestrator owns the three durable queues and chains the stages: each
// stage's output job is enqueued only after the stage has fully persisted its
// own state.
type Orchestrator struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     common.QueueConfig

	ingestQ *queue.Queue
	ocrQ    *queue.Queue
	enrichQ *queue.Queue

	pre *preprocess.Stage
	rec *recognize.Stage
	enr *enrich.Stage
}

func NewOrchestrator(
	rdb redis.UniversalClient,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg common.QueueConfig,
	pre *preprocess.Stage,
	rec *recognize.Stage,
	enr *enrich.Stage,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	newQueue := func(name string, workers int) *queue.Queue {
		return queue.New(name, rdb, logger,
			queue.WithWorkers(workers),
			queue.WithDefaults(queue.Options{
				MaxAttempts: cfg.MaxAttempts,
				Backoff:     cfg.BackoffBase,
			}),
			queue.WithRecordTTL(cfg.RecordTTL),
			queue.WithFinishHook(m.JobProcessed),
		)
	}

	o := &Orchestrator{
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		ingestQ: newQueue(constants.StageIngest, cfg.IngestWorkers),
		ocrQ:    newQueue(constants.StageOCR, cfg.OCRWorkers),
		enrichQ: newQueue(constants.StageEnrich, cfg.EnrichWorkers),
		pre:     pre,
		rec:     rec,
		enr:     enr,
	}

	// Explicit handler registration, once, at construction.
	o.ingestQ.RegisterHandler(o.handleIngest)
	o.ocrQ.RegisterHandler(o.handleOCR)
	o.enrichQ.RegisterHandler(o.handleEnrich)
	return o
}

// Start launches the workers of all three queues.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, q := range []*queue.Queue{o.ingestQ, o.ocrQ, o.enrichQ} {
		if err := q.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown drains all three queues.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, q := range []*queue.Queue{o.ingestQ, o.ocrQ, o.enrichQ} {
		q.Shutdown(ctx)
	}
}

// SubmitUpload hashes the accepted file and enqueues its IngestJob. The
// (owner, content) pair is the dedup key: resubmitting identical bytes while
// a job is in flight returns the existing job id.
func (o *Orchestrator) SubmitUpload(ctx context.Context, userID, filePath string) (string, error) {
	contentHash, err := hashFile(filePath)
	if err != nil {
		return "", err
	}

	job := IngestJob{UserID: userID, FilePath: filePath, ContentHash: contentHash}
	id, err := o.ingestQ.Enqueue(ctx, "preprocess", job, queue.Options{
		JobKey:  job.Key(),
		Timeout: o.cfg.IngestTimeout,
	})
	if err != nil {
		return "", err
	}

	o.logger.Info("upload accepted",
		"request_id", common.RequestIDFromContext(ctx),
		"user_id", userID,
		"content_hash", contentHash,
		"job_id", id,
	)
	return id, nil
}

// StageStatus is the externally visible answer to a status query.
type StageStatus struct {
	JobID    string `json:"job_id"`
	Stage    string `json:"stage"`
	State    string `json:"state"`
	Progress string `json:"progress,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// JobStatus searches all three queues and returns the first job matching the
// id.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*StageStatus, error) {
	for _, q := range []*queue.Queue{o.ingestQ, o.ocrQ, o.enrichQ} {
		st, err := q.GetJob(ctx, jobID)
		if err == nil {
			return &StageStatus{
				JobID:    jobID,
				Stage:    q.Name(),
				State:    string(st.State),
				Progress: st.Progress,
				Attempts: st.Attempts,
				Error:    st.Error,
			}, nil
		}
		if err != common.ErrNotFound {
			return nil, err
		}
	}
	return nil, common.ErrNotFound
}

// QueueCounts returns the raw per-state depth of every queue.
func (o *Orchestrator) QueueCounts(ctx context.Context) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64, 3)
	for _, q := range []*queue.Queue{o.ingestQ, o.ocrQ, o.enrichQ} {
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		out[q.Name()] = counts
	}
	return out, nil
}

func (o *Orchestrator) handleIngest(ctx context.Context, job *queue.Job) error {
	var payload IngestJob
	if err := queue.Decode(job.Payload, &payload); err != nil {
		return common.NewAppError("BAD_PAYLOAD", "decode ingest job", common.ErrInvalidInput)
	}

	start := time.Now()
	res, err := o.pre.Process(ctx, payload.UserID, payload.FilePath, func(step string) {
		job.Progress(ctx, step)
	})
	o.metrics.ObserveStage(constants.StageIngest, time.Since(start).Seconds())
	if err != nil {
		o.metrics.StageError(constants.IngestError)
		// The spooled upload must survive retries but not a terminal failure.
		if common.IsFatal(err) || job.LastAttempt() {
			o.removeSpool(payload.FilePath)
		}
		return err
	}
	o.removeSpool(payload.FilePath)

	next := OcrJob{
		IngestJob:   IngestJob{UserID: payload.UserID, FilePath: payload.FilePath, ContentHash: res.ContentHash},
		ArtifactKey: res.ArtifactKey,
		Width:       res.Width,
		Height:      res.Height,
	}
	if _, err := o.ocrQ.Enqueue(ctx, "recognize", next, queue.Options{Timeout: o.cfg.OCRTimeout}); err != nil {
		o.metrics.StageError(constants.IngestError)
		return fmt.Errorf("enqueue recognition: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleOCR(ctx context.Context, job *queue.Job) error {
	var payload OcrJob
	if err := queue.Decode(job.Payload, &payload); err != nil {
		return common.NewAppError("BAD_PAYLOAD", "decode ocr job", common.ErrInvalidInput)
	}

	start := time.Now()
	res, err := o.rec.Process(ctx, payload.ArtifactKey, func(step string) {
		job.Progress(ctx, step)
	})
	o.metrics.ObserveStage(constants.StageOCR, time.Since(start).Seconds())
	if err != nil {
		o.metrics.StageError(constants.OCRError)
		return err
	}

	items := make([]PayloadItem, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, PayloadItem{Name: it.Name, Quantity: it.Quantity, Price: it.Price})
	}
	next := EnrichJob{
		OcrJob: payload,
		OCR: OcrPayload{
			Store: res.Store,
			Date:  res.Date,
			Items: items,
			Raw:   res.RawText,
		},
	}
	if _, err := o.enrichQ.Enqueue(ctx, "enrich", next, queue.Options{Timeout: o.cfg.EnrichTimeout}); err != nil {
		o.metrics.StageError(constants.OCRError)
		return fmt.Errorf("enqueue enrichment: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleEnrich(ctx context.Context, job *queue.Job) error {
	var payload EnrichJob
	if err := queue.Decode(job.Payload, &payload); err != nil {
		return common.NewAppError("BAD_PAYLOAD", "decode enrich job", common.ErrInvalidInput)
	}

	items := make([]entity.ReceiptItem, 0, len(payload.OCR.Items))
	for _, it := range payload.OCR.Items {
		items = append(items, entity.ReceiptItem{Name: it.Name, Quantity: it.Quantity, Price: it.Price})
	}

	start := time.Now()
	res, err := o.enr.Process(ctx, payload.ArtifactKey, items, func(step string) {
		job.Progress(ctx, step)
	})
	o.metrics.ObserveStage(constants.StageEnrich, time.Since(start).Seconds())
	if err != nil {
		o.metrics.StageError(constants.EnrichError)
		return err
	}

	if err := job.SetResult(ctx, res); err != nil {
		o.logger.Warn("failed to store job result", "job_id", job.ID, "error", err)
	}
	return nil
}

// removeSpool deletes an accepted upload's temp file once the ingest stage is
// done with it.
func (o *Orchestrator) removeSpool(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("failed to remove spooled upload", "path", path, "error", err)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash upload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
