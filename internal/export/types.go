// Package export renders conversation transcripts as HTML, PDF or DOCX.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatHTML, FormatPDF, FormatDOCX:
		return f, nil
	case "":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Transcript is a conversation ready to be rendered.
type Transcript struct {
	Title         string
	AgentName     string
	WorkspaceName string
	ExportedBy    string
	ExportedAt    time.Time
	Messages      []Message
}

type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
	Sources   []string
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing means no Chromium binary is available.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing means pandoc is not installed.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
