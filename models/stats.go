package models

// StatKind names a counter reported to the progress collaborator.
type StatKind string

const (
	StatFetched    StatKind = "fetched"
	StatSkipped    StatKind = "skipped"
	StatFailed     StatKind = "failed"
	StatRestricted StatKind = "restricted"
	StatStale      StatKind = "stale"
	StatParsed     StatKind = "parsed"
	StatMalformed  StatKind = "malformed"
	StatSelected   StatKind = "sample_selected"
	StatDuplicate  StatKind = "duplicate"
	StatEmitted    StatKind = "emitted"
)

// Reporter receives progress counts. It never influences control flow.
type Reporter interface {
	Add(category string, kind StatKind, n int)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Add(string, StatKind, int) {}
