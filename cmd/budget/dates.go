package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/pocketledger/budget/internal/record"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen accepts YYYY-MM-DD or natural language such as "yesterday" or
// "last friday", relative to now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if d, err := record.ParseDate(s); err == nil {
		return d.Time(), nil
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse date %q (use YYYY-MM-DD or e.g. \"yesterday\")", s)
	}
	return r.Time, nil
}

// parseDay is parseWhen reduced to a calendar date string.
func parseDay(s string, now time.Time) (string, error) {
	t, err := parseWhen(s, now)
	if err != nil {
		return "", err
	}
	return record.DateOf(t).String(), nil
}
