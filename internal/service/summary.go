package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pocketledger/budget/internal/record"
)

// CategoryTotal is the net amount of one category.
type CategoryTotal struct {
	Category string
	Kind     record.Kind
	Total    decimal.Decimal
	Count    int
}

// Summary totals a set of records.
type Summary struct {
	Income     decimal.Decimal
	Expense    decimal.Decimal
	Count      int
	From, To   record.Date
	Categories []CategoryTotal
}

// Net is income minus expense.
func (s Summary) Net() decimal.Decimal { return s.Income.Sub(s.Expense) }

// Summarize totals records by kind and by category. Categories are ordered
// by total, largest first.
func Summarize(recs []record.Record) Summary {
	var sum Summary
	byKey := make(map[string]*CategoryTotal)

	for _, r := range recs {
		sum.Count++
		switch r.Kind {
		case record.Income:
			sum.Income = sum.Income.Add(r.Amount)
		case record.Expense:
			sum.Expense = sum.Expense.Add(r.Amount)
		}
		if sum.From.IsZero() || r.OccurredOn.Before(sum.From) {
			sum.From = r.OccurredOn
		}
		if sum.To.IsZero() || r.OccurredOn.After(sum.To) {
			sum.To = r.OccurredOn
		}

		key := string(r.Kind) + "/" + r.Category
		ct, ok := byKey[key]
		if !ok {
			ct = &CategoryTotal{Category: r.Category, Kind: r.Kind}
			byKey[key] = ct
		}
		ct.Total = ct.Total.Add(r.Amount)
		ct.Count++
	}

	for _, ct := range byKey {
		sum.Categories = append(sum.Categories, *ct)
	}
	sort.Slice(sum.Categories, func(i, j int) bool {
		a, b := sum.Categories[i], sum.Categories[j]
		if c := a.Total.Cmp(b.Total); c != 0 {
			return c > 0
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Category < b.Category
	})
	return sum
}
