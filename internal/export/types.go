// Package export renders project snapshots as JSON or PDF.
package export

import (
	"errors"
	"time"

	"taskboard/api/internal/store"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

type Request struct {
	ProjectID string
	Format    Format
}

// Snapshot is everything exported for one project.
type Snapshot struct {
	Project    store.Project `json:"project"`
	Owner      store.User    `json:"owner"`
	Members    []store.User  `json:"members"`
	Tasks      []store.Task  `json:"tasks"`
	ExportedAt time.Time     `json:"exportedAt"`
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing means no headless Chrome binary was found.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
