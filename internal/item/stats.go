package item

import "time"

// ScanStatistics summarises one scan run. It is finalized when the scan
// returns and is not modified afterwards.
type ScanStatistics struct {
	ID         string              `json:"id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	ItemCounts map[Category]int    `json:"item_counts"`
	Errors     map[Category]string `json:"errors,omitempty"`

	FastPathCount        int  `json:"fast_path_count"`
	VerifiedCount        int  `json:"verified_count"`
	VerificationFailures int  `json:"verification_failures"`
	Cancelled            bool `json:"cancelled,omitempty"`
}

// NewScanStatistics returns statistics with initialised maps.
func NewScanStatistics(id string, started time.Time) ScanStatistics {
	return ScanStatistics{
		ID:         id,
		StartedAt:  started,
		ItemCounts: make(map[Category]int),
		Errors:     make(map[Category]string),
	}
}

// Duration is the wall-clock time the scan took.
func (s ScanStatistics) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// HasErrors reports whether any collector failed.
func (s ScanStatistics) HasErrors() bool {
	return len(s.Errors) > 0
}

// TotalItems is the sum of ItemCounts.
func (s ScanStatistics) TotalItems() int {
	n := 0
	for _, c := range s.ItemCounts {
		n += c
	}
	return n
}

// Failed reports whether the collector for c recorded an error.
func (s ScanStatistics) Failed(c Category) bool {
	_, ok := s.Errors[c]
	return ok
}
