package constants

// MediaStatus is the canonical status for rows in media_objects.
type MediaStatus string

// Stable values (store these exact strings in DB).
const (
	StatusPreprocessed MediaStatus = "preprocessed" // variants stored, row registered
	StatusOCRDone      MediaStatus = "ocr_done"     // text extracted and persisted
	StatusMatched      MediaStatus = "matched"      // items enriched, terminal
)

// statusRank orders the forward-only state machine. A transition is legal
// only when the target rank is strictly greater than the current one.
var statusRank = map[MediaStatus]int{
	StatusPreprocessed: 1,
	StatusOCRDone:      2,
	StatusMatched:      3,
}

// CanAdvance reports whether moving from one status to another goes forward.
func CanAdvance(from, to MediaStatus) bool {
	return statusRank[to] > statusRank[from]
}

// Predecessors returns every status that may legally precede the given one.
func Predecessors(to MediaStatus) []MediaStatus {
	var out []MediaStatus
	for s, r := range statusRank {
		if r < statusRank[to] {
			out = append(out, s)
		}
	}
	return out
}

// Pipeline stage names, used for queue names, progress checkpoints and
// metric labels.
const (
	StageIngest = "ingest"
	StageOCR    = "ocr"
	StageEnrich = "enrich"
)

// Error counter codes, one per stage.
const (
	IngestError = "INGEST_ERROR"
	OCRError    = "OCR_ERROR"
	EnrichError = "ENRICH_ERROR"
)
