package record

import "time"

// Reminder is a note attached to a record and due at a given time.
// Reminders live beside records, keyed by record id, and are never sent to
// the remote store.
type Reminder struct {
	RecordID   string     `json:"record_id" yaml:"record_id"`
	Owner      string     `json:"-" yaml:"-"`
	DueAt      time.Time  `json:"due_at" yaml:"due_at"`
	Note       string     `json:"note,omitempty" yaml:"note,omitempty"`
	NotifiedAt *time.Time `json:"notified_at,omitempty" yaml:"notified_at,omitempty"`
}

// Due reports whether the reminder should fire at now.
func (r Reminder) Due(now time.Time) bool {
	return r.NotifiedAt == nil && !r.DueAt.After(now)
}
