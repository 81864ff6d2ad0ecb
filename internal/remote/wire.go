package remote

import (
	"fmt"
	"time"

	"github.com/pocketledger/budget/internal/record"
)

// IdempotencyHeader carries the idempotency key of a create request.
const IdempotencyHeader = "Idempotency-Key"

// WireFields is the JSON body of create and update requests.
type WireFields struct {
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	OccurredOn  string `json:"occurredOn"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// WireRecord is a record in API responses.
type WireRecord struct {
	ID string `json:"id"`
	WireFields
	ClientRef string    `json:"clientRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListResponse is the body of a list response.
type ListResponse struct {
	Records []WireRecord `json:"records"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ToWire converts validated fields for transport.
func ToWire(f record.Fields) WireFields {
	return WireFields{
		Kind:        f.Kind.String(),
		Amount:      f.AmountString(),
		OccurredOn:  f.OccurredOn.String(),
		Category:    f.Category,
		Description: f.Description,
	}
}

// Fields parses and validates the wire form.
func (w WireFields) Fields() (record.Fields, error) {
	return record.Input{
		Kind:        w.Kind,
		Amount:      w.Amount,
		OccurredOn:  w.OccurredOn,
		Category:    w.Category,
		Description: w.Description,
	}.Parse()
}

// Stored converts a response record.
func (w WireRecord) Stored() (Stored, error) {
	if w.ID == "" {
		return Stored{}, fmt.Errorf("remote record without id")
	}
	f, err := w.WireFields.Fields()
	if err != nil {
		return Stored{}, fmt.Errorf("remote record %s: %w", w.ID, err)
	}
	return Stored{
		ID:        w.ID,
		Fields:    f,
		ClientRef: w.ClientRef,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}, nil
}

// StoredToWire converts a stored record for a response.
func StoredToWire(s Stored) WireRecord {
	return WireRecord{
		ID:         s.ID,
		WireFields: ToWire(s.Fields),
		ClientRef:  s.ClientRef,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}
