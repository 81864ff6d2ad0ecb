// Package record defines the income/expense entries tracked by the budget core.
//
// A Record is the unit of data that travels between the local store and the
// remote store of record. Its id is either temporary (minted on this device
// before the remote store has seen it) or authoritative (minted by the remote
// store). The Synced flag tells the reconciliation engine whether the local
// copy is known to match the remote one.
//
// Input and Patch carry raw user input. They are validated here, before any
// layer writes anything, so invalid data never reaches storage.
package record

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the direction of money flow.
type Kind string

const (
	// Income adds to the balance.
	Income Kind = "income"
	// Expense subtracts from the balance.
	Expense Kind = "expense"
)

// ParseKind accepts "income" or "expense" in any letter case.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Income:
		return Income, nil
	case Expense:
		return Expense, nil
	default:
		return "", invalid("kind", "must be %q or %q (got %q)", Income, Expense, s)
	}
}

// String returns the canonical lower-case name.
func (k Kind) String() string { return string(k) }

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool { return k == Income || k == Expense }

// AmountPlaces is the fixed number of decimal places of an amount.
const AmountPlaces = 2

// Fields are the user-editable attributes of a record.
type Fields struct {
	Kind        Kind            `json:"kind" yaml:"kind"`
	Amount      decimal.Decimal `json:"amount" yaml:"amount"`
	OccurredOn  Date            `json:"occurredOn" yaml:"occurred_on"`
	Category    string          `json:"category" yaml:"category"`
	Description string          `json:"description" yaml:"description"`
}

// Validate checks every field. Input and Patch call it after parsing; the
// remote client and the local store call it before trusting decoded data.
func (f Fields) Validate() error {
	if !f.Kind.Valid() {
		return invalid("kind", "must be %q or %q (got %q)", Income, Expense, f.Kind)
	}
	if err := validateAmount(f.Amount); err != nil {
		return err
	}
	if f.OccurredOn.IsZero() {
		return invalid("occurredOn", "is required")
	}
	if strings.TrimSpace(f.Category) == "" {
		return invalid("category", "is required")
	}
	if strings.TrimSpace(f.Description) == "" {
		return invalid("description", "is required")
	}
	return nil
}

// Equal reports whether two field sets describe the same entry.
func (f Fields) Equal(o Fields) bool {
	return f.Kind == o.Kind &&
		f.Amount.Equal(o.Amount) &&
		f.OccurredOn == o.OccurredOn &&
		f.Category == o.Category &&
		f.Description == o.Description
}

// AmountString formats the amount with exactly two decimal places.
func (f Fields) AmountString() string {
	return f.Amount.StringFixed(AmountPlaces)
}

// SignedAmount returns the amount negated for expenses.
func (f Fields) SignedAmount() decimal.Decimal {
	if f.Kind == Expense {
		return f.Amount.Neg()
	}
	return f.Amount
}

func validateAmount(d decimal.Decimal) error {
	if d.IsNegative() {
		return invalid("amount", "must not be negative (got %s)", d.String())
	}
	if !d.Equal(d.Round(AmountPlaces)) {
		return invalid("amount", "must have at most %d decimal places (got %s)", AmountPlaces, d.String())
	}
	return nil
}

// ParseAmount parses a non-negative amount with at most two decimal places.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, invalid("amount", "is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, invalid("amount", "%q is not a number", s)
	}
	if err := validateAmount(d); err != nil {
		return decimal.Decimal{}, err
	}
	return d.Round(AmountPlaces), nil
}

// Record is one income or expense entry owned by a single user.
type Record struct {
	ID    string `json:"id" yaml:"id"`
	Owner string `json:"-" yaml:"-"`
	Fields `yaml:",inline"`

	// Synced is true when the local copy is known to match the remote store.
	Synced bool `json:"synced" yaml:"synced"`

	// Seq is the local insertion order. It breaks ties when sorting by date
	// and survives the temporary-to-authoritative id replacement.
	Seq int64 `json:"-" yaml:"-"`

	// UpdatedAt is the time of the last local write.
	UpdatedAt time.Time `json:"-" yaml:"-"`
}

// IsTemporary reports whether the record has never been accepted by the
// remote store.
func (r Record) IsTemporary() bool { return IsTemporaryID(r.ID) }

// Input is raw, unvalidated user input for a new record.
type Input struct {
	Kind        string `json:"kind" yaml:"kind"`
	Amount      string `json:"amount" yaml:"amount"`
	OccurredOn  string `json:"occurredOn" yaml:"occurred_on"`
	Category    string `json:"category" yaml:"category"`
	Description string `json:"description" yaml:"description"`
}

// Parse validates the input and returns normalized fields.
// Category and description are trimmed.
func (in Input) Parse() (Fields, error) {
	kind, err := ParseKind(in.Kind)
	if err != nil {
		return Fields{}, err
	}
	amount, err := ParseAmount(in.Amount)
	if err != nil {
		return Fields{}, err
	}
	if strings.TrimSpace(in.OccurredOn) == "" {
		return Fields{}, invalid("occurredOn", "is required")
	}
	on, err := ParseDate(strings.TrimSpace(in.OccurredOn))
	if err != nil {
		return Fields{}, invalid("occurredOn", "%v", err)
	}
	f := Fields{
		Kind:        kind,
		Amount:      amount,
		OccurredOn:  on,
		Category:    strings.TrimSpace(in.Category),
		Description: strings.TrimSpace(in.Description),
	}
	if err := f.Validate(); err != nil {
		return Fields{}, err
	}
	return f, nil
}

// FromFields converts fields back to input form, e.g. to prefill a form.
func FromFields(f Fields) Input {
	return Input{
		Kind:        f.Kind.String(),
		Amount:      f.AmountString(),
		OccurredOn:  f.OccurredOn.String(),
		Category:    f.Category,
		Description: f.Description,
	}
}

// Patch is a partial edit. Nil fields are left unchanged.
type Patch struct {
	Kind        *string
	Amount      *string
	OccurredOn  *string
	Category    *string
	Description *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Kind == nil && p.Amount == nil && p.OccurredOn == nil &&
		p.Category == nil && p.Description == nil
}

// Apply returns base with the patch applied and validated.
func (p Patch) Apply(base Fields) (Fields, error) {
	in := FromFields(base)
	if p.Kind != nil {
		in.Kind = *p.Kind
	}
	if p.Amount != nil {
		in.Amount = *p.Amount
	}
	if p.OccurredOn != nil {
		in.OccurredOn = *p.OccurredOn
	}
	if p.Category != nil {
		in.Category = *p.Category
	}
	if p.Description != nil {
		in.Description = *p.Description
	}
	return in.Parse()
}
