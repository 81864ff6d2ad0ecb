package record

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validInput() Input {
	return Input{
		Kind:        "Expense",
		Amount:      "12.5",
		OccurredOn:  "2024-03-01",
		Category:    " Food ",
		Description: "Lunch",
	}
}

func TestInputParse(t *testing.T) {
	f, err := validInput().Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Kind != Expense {
		t.Errorf("Kind = %q, want %q", f.Kind, Expense)
	}
	if got := f.AmountString(); got != "12.50" {
		t.Errorf("AmountString() = %q, want 12.50", got)
	}
	if got := f.OccurredOn.String(); got != "2024-03-01" {
		t.Errorf("OccurredOn = %q, want 2024-03-01", got)
	}
	if f.Category != "Food" {
		t.Errorf("Category = %q, want trimmed Food", f.Category)
	}
}

func TestInputParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		field  string
	}{
		{"unknown kind", func(in *Input) { in.Kind = "transfer" }, "kind"},
		{"empty amount", func(in *Input) { in.Amount = "" }, "amount"},
		{"non-numeric amount", func(in *Input) { in.Amount = "abc" }, "amount"},
		{"negative amount", func(in *Input) { in.Amount = "-1.00" }, "amount"},
		{"too precise amount", func(in *Input) { in.Amount = "1.005" }, "amount"},
		{"missing date", func(in *Input) { in.OccurredOn = " " }, "occurredOn"},
		{"bad date", func(in *Input) { in.OccurredOn = "01/03/2024" }, "occurredOn"},
		{"blank category", func(in *Input) { in.Category = "   " }, "category"},
		{"blank description", func(in *Input) { in.Description = "" }, "description"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			_, err := in.Parse()
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Parse() error = %v, want ErrValidation", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %T is not a *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestAmountAcceptsTrailingZeros(t *testing.T) {
	d, err := ParseAmount("7.500")
	if err != nil {
		t.Fatalf("ParseAmount() error = %v", err)
	}
	if !d.Equal(decimal.RequireFromString("7.5")) {
		t.Errorf("ParseAmount() = %s, want 7.5", d)
	}
	if _, err := ParseAmount("0"); err != nil {
		t.Errorf("zero amount should be allowed: %v", err)
	}
}

func TestPatchApply(t *testing.T) {
	base, err := validInput().Parse()
	if err != nil {
		t.Fatal(err)
	}

	amount := "99.99"
	got, err := Patch{Amount: &amount}.Apply(base)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.AmountString() != "99.99" {
		t.Errorf("Amount = %s, want 99.99", got.AmountString())
	}
	if got.Description != base.Description || got.Kind != base.Kind {
		t.Errorf("untouched fields changed: %+v", got)
	}

	blank := ""
	if _, err := (Patch{Category: &blank}).Apply(base); !errors.Is(err, ErrValidation) {
		t.Errorf("blank category patch error = %v, want ErrValidation", err)
	}

	if !(Patch{}).Empty() {
		t.Error("zero Patch should be Empty")
	}
}

func TestFieldsEqual(t *testing.T) {
	a, _ := validInput().Parse()
	b := a
	b.Amount = decimal.RequireFromString("12.500")
	if !a.Equal(b) {
		t.Error("amounts 12.5 and 12.500 should compare equal")
	}
	b.Description = "Dinner"
	if a.Equal(b) {
		t.Error("different descriptions should not compare equal")
	}
}

func TestSignedAmount(t *testing.T) {
	f, _ := validInput().Parse()
	if got := f.SignedAmount().StringFixed(2); got != "-12.50" {
		t.Errorf("SignedAmount() = %s, want -12.50", got)
	}
	f.Kind = Income
	if got := f.SignedAmount().StringFixed(2); got != "12.50" {
		t.Errorf("SignedAmount() = %s, want 12.50", got)
	}
}

func TestTempIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTempID()
		if !IsTemporaryID(id) {
			t.Fatalf("NewTempID() = %q is not temporary", id)
		}
		if seen[id] {
			t.Fatalf("duplicate temporary id %q", id)
		}
		seen[id] = true
	}
	if IsTemporaryID("rec_123") {
		t.Error("authoritative id reported as temporary")
	}
	if !strings.HasPrefix(NewTempID(), TempIDPrefix) {
		t.Error("missing prefix")
	}
}

func TestReminderDue(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Reminder{RecordID: "rec_1", DueAt: now.Add(-time.Minute)}
	if !r.Due(now) {
		t.Error("past reminder should be due")
	}
	r.NotifiedAt = &now
	if r.Due(now) {
		t.Error("notified reminder should not be due")
	}
}
