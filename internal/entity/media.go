package entity

import (
	"time"

	"github.com/receiptwise/pipeline/constants"
)

// MediaObject is the persisted record for one stored artifact, keyed by the
// large-variant storage key. Reprocessing the same content hash upserts the
// same row.
type MediaObject struct {
	ArtifactKey    string
	OwnerID        string
	PerceptualHash string
	Width          int
	Height         int
	ByteSize       int
	Status         constants.MediaStatus
	AvgConfidence  float64
	StoreName      string
	PurchasedAt    string
	RawText        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OCROutcome is what the recognizer persists onto the media row.
type OCROutcome struct {
	AvgConfidence float64
	StoreName     string
	PurchasedAt   string
	RawText       string
}
