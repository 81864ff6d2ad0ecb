// Package transfer exports records to YAML or JSON lines and imports them
// back through the record service.
//
// Imported records always get fresh temporary ids: an import behaves like a
// batch of AddRecord calls, so records sync the same way as hand-entered
// ones.
package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pocketledger/budget/internal/identity"
	"github.com/pocketledger/budget/internal/record"
)

// Format is a file format.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSONL Format = "jsonl"
)

// FormatFromPath picks a format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("cannot tell format of %s (use .yaml or .jsonl)", path)
}

// ReminderEntry is an exported reminder.
type ReminderEntry struct {
	DueAt time.Time `json:"dueAt" yaml:"due_at"`
	Note  string    `json:"note,omitempty" yaml:"note,omitempty"`
}

// Entry is one exported record.
type Entry struct {
	// ID is informational; imports assign new ids.
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	record.Input `yaml:",inline"`
	Reminder     *ReminderEntry `json:"reminder,omitempty" yaml:"reminder,omitempty"`
}

// Document is the YAML export layout.
type Document struct {
	Owner      string    `yaml:"owner"`
	ExportedAt time.Time `yaml:"exported_at"`
	Records    []Entry   `yaml:"records"`
}

// Exporter is what Export needs from the record service.
type Exporter interface {
	ListRecords(ctx context.Context, id identity.Identity) ([]record.Record, error)
	Reminder(ctx context.Context, id identity.Identity, recordID string) (record.Reminder, error)
}

// Importer is what Import needs from the record service.
type Importer interface {
	AddRecord(ctx context.Context, id identity.Identity, in record.Input) (record.Record, error)
	SetReminder(ctx context.Context, id identity.Identity, recordID string, dueAt time.Time, note string) (record.Reminder, error)
}

// Entries converts records for export. reminders maps record ids to their
// reminder.
func Entries(recs []record.Record, reminders map[string]record.Reminder) []Entry {
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		e := Entry{ID: r.ID, Input: record.FromFields(r.Fields)}
		if rem, ok := reminders[r.ID]; ok {
			e.Reminder = &ReminderEntry{DueAt: rem.DueAt.UTC(), Note: rem.Note}
		}
		out = append(out, e)
	}
	return out
}

// Write encodes entries in the given format.
func Write(w io.Writer, format Format, owner string, entries []Entry) error {
	switch format {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return fmt.Errorf("failed to encode record %d: %w", i+1, err)
			}
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		doc := Document{Owner: owner, ExportedAt: time.Now().UTC().Truncate(time.Second), Records: entries}
		if err := enc.Encode(&doc); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported format %q", format)
}

// Read decodes entries. JSON lines may contain blank lines.
func Read(r io.Reader, format Format) ([]Entry, error) {
	switch format {
	case FormatJSONL:
		var entries []Entry
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var e Entry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
			}
			entries = append(entries, e)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read JSON lines: %w", err)
		}
		return entries, nil
	case FormatYAML:
		var doc Document
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		return doc.Records, nil
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

// Export writes all of the owner's records and returns how many.
func Export(ctx context.Context, svc Exporter, id identity.Identity, w io.Writer, format Format) (int, error) {
	recs, err := svc.ListRecords(ctx, id)
	if err != nil {
		return 0, err
	}
	reminders := make(map[string]record.Reminder)
	for _, r := range recs {
		rem, err := svc.Reminder(ctx, id, r.ID)
		if errors.Is(err, record.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		reminders[r.ID] = rem
	}
	if err := Write(w, format, id.Owner, Entries(recs, reminders)); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// ExportFile exports to path, choosing the format from its extension. The
// file is replaced atomically.
func ExportFile(ctx context.Context, svc Exporter, id identity.Identity, path string) (int, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := Export(ctx, svc, id, f, format)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ImportOptions configures an import.
type ImportOptions struct {
	DryRun bool // validate only
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read     int
	Imported int
	Skipped  int
	Errors   []string
}

// Import adds every valid entry through svc. Invalid entries are skipped
// and reported in the result. Storage failures stop the import. Rejected
// credentials do not: records stay local and the error is returned at the
// end.
func Import(ctx context.Context, svc Importer, id identity.Identity, r io.Reader, format Format, opts ImportOptions) (*ImportResult, error) {
	entries, err := Read(r, format)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Read: len(entries)}
	var authErr error
	for i, e := range entries {
		if _, err := e.Input.Parse(); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		if opts.DryRun {
			result.Imported++
			continue
		}

		rec, err := svc.AddRecord(ctx, id, e.Input)
		switch {
		case err == nil:
		case errors.Is(err, record.ErrUnauthorized) && rec.ID != "":
			authErr = err
		default:
			return result, fmt.Errorf("failed to import record %d: %w", i+1, err)
		}
		result.Imported++

		if e.Reminder != nil {
			if _, err := svc.SetReminder(ctx, id, rec.ID, e.Reminder.DueAt, e.Reminder.Note); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: reminder: %v", i+1, err))
			}
		}
	}
	return result, authErr
}

// ImportFile imports from path, choosing the format from its extension.
func ImportFile(ctx context.Context, svc Importer, id identity.Identity, path string, opts ImportOptions) (*ImportResult, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()
	return Import(ctx, svc, id, f, format, opts)
}
