package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StringListReport collects lines (e.g. fetched URLs) to be written out once
// a command finishes.
type StringListReport struct {
	Title string

	mu    sync.Mutex
	items []string
}

// NewStringListReport returns an empty report with the given title.
func NewStringListReport(title string) *StringListReport {
	return &StringListReport{Title: title}
}

// Add appends an item; safe for concurrent use.
func (r *StringListReport) Add(item string) {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
}

// Items returns a copy of the collected items.
func (r *StringListReport) Items() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

// WriteToFile appends the report to <dir>/fetchurl-<title>.txt as a list,
// then clears it. Nothing is written for an empty report.
func (r *StringListReport) WriteToFile(dir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}

	reportFullPath := filepath.Join(dir, fmt.Sprintf("fetchurl-%s.txt", safeTitle(r.Title)))

	f, err := os.OpenFile(reportFullPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	for _, item := range r.items {
		if _, err := fmt.Fprintln(f, item); err != nil {
			return "", fmt.Errorf("writing to file: %w", err)
		}
	}
	if _, err := fmt.Fprintln(f); err != nil {
		return "", fmt.Errorf("writing new line to file: %w", err)
	}

	r.items = nil
	return reportFullPath, nil
}

// safeTitle replaces everything but ASCII letters and digits with underscores.
func safeTitle(title string) string {
	if title == "" {
		return "untitled"
	}
	out := make([]rune, 0, len(title))
	for _, c := range title {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
