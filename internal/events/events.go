// Package events broadcasts tracker activity to WebSocket clients.
//
// The record service and the reconciliation engine publish record changes,
// finished sync passes and connectivity changes. A host shell (mobile
// wrapper, desktop tray, browser tab) can subscribe on /ws to refresh its
// views, and can push its own connectivity signal back over the same socket.
package events

import (
	"encoding/json"
	"time"
)

// MessageType defines the type of broadcast message
type MessageType string

const (
	// MessageTypeRecordUpdate indicates a record was created, updated, rekeyed or deleted
	MessageTypeRecordUpdate MessageType = "record_update"

	// MessageTypeSyncComplete indicates a reconciliation pass finished
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeConnectivity indicates the online state changed
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypeReminderDue indicates a record reminder came due
	MessageTypeReminderDue MessageType = "reminder_due"
)

// Record actions carried by RecordUpdateData.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionRekeyed = "rekeyed"
	ActionDeleted = "deleted"
	ActionPulled  = "pulled"
	ActionPurged  = "purged"
)

// Message represents a broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RecordUpdateData describes a change to one record.
type RecordUpdateData struct {
	Owner      string `json:"owner"`
	RecordID   string `json:"record_id"`
	PreviousID string `json:"previous_id,omitempty"`
	Action     string `json:"action"`
	Synced     bool   `json:"synced"`
}

// SyncCompleteData summarizes a reconciliation pass.
type SyncCompleteData struct {
	Owner    string        `json:"owner"`
	Trigger  string        `json:"trigger"`
	Pushed   int           `json:"pushed"`
	Updated  int           `json:"updated"`
	Deleted  int           `json:"deleted"`
	Pulled   int           `json:"pulled"`
	Purged   int           `json:"purged"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ConnectivityData carries the online state.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// ReminderDueData identifies a due reminder.
type ReminderDueData struct {
	Owner    string    `json:"owner"`
	RecordID string    `json:"record_id"`
	Note     string    `json:"note,omitempty"`
	DueAt    time.Time `json:"due_at"`
}

// Publisher accepts messages for delivery. Publish must not block.
type Publisher interface {
	Publish(msg Message)
}

// Nop discards every message.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Message) {}

// NewMessage builds a timestamped message. Data that cannot be encoded is
// dropped from the message rather than failing the caller.
func NewMessage(typ MessageType, data any) Message {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Data = raw
		}
	}
	return msg
}

// inbound is a message sent by a client.
type inbound struct {
	Type   MessageType `json:"type"`
	Online *bool       `json:"online,omitempty"`
}
