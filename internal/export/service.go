package export

import (
	"context"
	"fmt"
	"strings"

	"cockpit/api/internal/util"
)

type converter func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	pdf  converter
	docx converter
}

func NewService() *Service {
	return &Service{pdf: exportPDF, docx: exportDOCX}
}

// Export renders t in the requested format.
func (s *Service) Export(ctx context.Context, t Transcript, format Format) (*Result, error) {
	if strings.TrimSpace(t.Title) == "" {
		t.Title = "Conversa"
	}
	html, err := RenderHTML(t)
	if err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: filename(t.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, t.Title)
	case FormatDOCX:
		return s.docx(ctx, html, t.Title)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func filename(title string) string {
	name := util.Slugify(title)
	if len(name) > 50 {
		name = strings.Trim(name[:50], "-")
	}
	return name
}
