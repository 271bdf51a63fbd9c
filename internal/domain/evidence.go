package domain

import "time"

// Paper is a discovery hit before it enters the bibliography.
type Paper struct {
	ID          string
	Title       string
	Authors     []string
	Year        int
	Abstract    string
	URL         string
	PDFURL      string
	Source      string
	PublishedAt time.Time
}

// AcquisitionStatus enumerates how much of a paper the library holds.
type AcquisitionStatus string

const (
	StatusMetadataOnly    AcquisitionStatus = "metadata-only"
	StatusFullTextIndexed AcquisitionStatus = "full-text-indexed"
)

// EvidenceRecord is one bibliography entry collected for a session.
// Records are never deleted, only marked stale.
type EvidenceRecord struct {
	Key       string            `json:"key"`
	PaperID   string            `json:"paper_id"`
	Source    string            `json:"source"`
	Title     string            `json:"title"`
	Authors   []string          `json:"authors,omitempty"`
	Year      int               `json:"year,omitempty"`
	Abstract  string            `json:"abstract,omitempty"`
	URL       string            `json:"url,omitempty"`
	PDFURL    string            `json:"pdf_url,omitempty"`
	Relevance float64           `json:"relevance"`
	Utility   float64           `json:"utility"`
	Status    AcquisitionStatus `json:"status"`
	Stale     bool              `json:"stale,omitempty"`
	AddedAt   time.Time         `json:"added_at"`
}

// RecordFromPaper converts a discovery hit into a metadata-only record.
func RecordFromPaper(p Paper) EvidenceRecord {
	return EvidenceRecord{
		PaperID:  p.ID,
		Source:   p.Source,
		Title:    p.Title,
		Authors:  append([]string(nil), p.Authors...),
		Year:     p.Year,
		Abstract: p.Abstract,
		URL:      p.URL,
		PDFURL:   p.PDFURL,
		Status:   StatusMetadataOnly,
	}
}

// Score carries the relevance and utility assigned to a paper for one claim.
type Score struct {
	Relevance float64 `json:"relevance"`
	Utility   float64 `json:"utility"`
}

// Passage is a retrieval hit from the vector library.
type Passage struct {
	Key        string  `json:"key"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}
