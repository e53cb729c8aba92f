package models

import "time"

// ExtractReport summarises reconciliation of one category.
type ExtractReport struct {
	Category    Category
	Remote      int
	Present     int
	Missing     int
	Fetched     int
	Failed      int
	Restricted  int // failed because Icecat returned an error stub
	Pending     int
	Stale       int
	FailedFiles []string
	Tasks       []*DownloadTask
	Duration    time.Duration
}

// TransformReport summarises the transform of one category.
type TransformReport struct {
	Category  Category `json:"category"`
	Files     int      `json:"files"`
	Parsed    int      `json:"parsed"`
	Malformed int      `json:"malformed"`
	Emitted   int      `json:"emitted"`
	Batches   int      `json:"batches"`
}
