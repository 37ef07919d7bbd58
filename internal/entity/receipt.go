package entity

// ReceiptItem is one purchased line item recognized on a receipt.
type ReceiptItem struct {
	Name     string
	Quantity int
	Price    int
}

// OCRResult is the structured outcome of one recognition pass.
type OCRResult struct {
	RawText       string
	AvgConfidence float64 // 0..1
	Store         string
	Date          string
	Items         []ReceiptItem
}

// Enrichment holds the auxiliary fields attached to an item during lookup.
type Enrichment struct {
	ExternalID   string
	ThumbnailURL string
	MatchScore   float64
}

// EnrichedItem is a ReceiptItem with its lookup metadata attached.
type EnrichedItem struct {
	ReceiptItem
	Enrichment
}

// EnrichResult is the terminal payload of one artifact's pipeline: the final
// item set plus a fresh signed URL for the stored image.
type EnrichResult struct {
	ArtifactKey string         `json:"artifact_key"`
	Items       []EnrichedItem `json:"items"`
	SignedURL   string         `json:"signed_url"`
}
