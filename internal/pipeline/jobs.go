package pipeline

// IngestJob is created when an upload is accepted. It is immutable and owned
// by the preprocessor until the next-stage job is emitted.
type IngestJob struct {
	UserID      string `msgpack:"user_id"`
	FilePath    string `msgpack:"file_path"`
	ContentHash string `msgpack:"content_hash"`
}

// Key is the preprocess queue's dedup key: at most one in-flight job per
// distinct (user, content) pair.
func (j IngestJob) Key() string {
	return j.UserID + ":" + j.ContentHash
}

// OcrJob is emitted by the preprocessor once the variants are stored.
type OcrJob struct {
	IngestJob   `msgpack:",inline"`
	ArtifactKey string `msgpack:"artifact_key"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
}

// OcrPayload is the recognition outcome carried into enrichment.
type OcrPayload struct {
	Store string        `msgpack:"store"`
	Date  string        `msgpack:"date"`
	Items []PayloadItem `msgpack:"items"`
	Raw   string        `msgpack:"raw"`
}

type PayloadItem struct {
	Name     string `msgpack:"name"`
	Quantity int    `msgpack:"quantity"`
	Price    int    `msgpack:"price"`
}

// EnrichJob is emitted by the recognizer once the OCR outcome is persisted.
type EnrichJob struct {
	OcrJob `msgpack:",inline"`
	OCR    OcrPayload `msgpack:"ocr"`
}
