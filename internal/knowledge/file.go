package knowledge

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

var (
	ErrInvalidFile  = errors.New("invalid file")
	ErrFileTooLarge = errors.New("file too large")
	ErrNoText       = errors.New("no extractable text")
)

type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

var formatsByExt = map[string]Format{
	".txt":  FormatText,
	".md":   FormatMarkdown,
	".csv":  FormatCSV,
	".json": FormatJSON,
	".html": FormatHTML,
	".htm":  FormatHTML,
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
}

var contentTypes = map[Format]string{
	FormatText:     "text/plain; charset=utf-8",
	FormatMarkdown: "text/markdown; charset=utf-8",
	FormatCSV:      "text/csv; charset=utf-8",
	FormatJSON:     "application/json",
	FormatHTML:     "text/html; charset=utf-8",
	FormatPDF:      "application/pdf",
	FormatDOCX:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

func (f Format) ContentType() string {
	return contentTypes[f]
}

// FormatFromName maps a file name to its format by extension.
func FormatFromName(name string) (Format, bool) {
	format, ok := formatsByExt[strings.ToLower(filepath.Ext(name))]
	return format, ok
}

// TitleFromName is the file name without directories or extension.
func TitleFromName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" || title == "." {
		return "Sem título"
	}
	return title
}

// ValidateFile checks an upload before it is stored.
func ValidateFile(name string, data []byte, maxBytes int64) (Format, error) {
	format, ok := FormatFromName(name)
	if !ok {
		return "", fmt.Errorf("%w: unsupported extension %q", ErrInvalidFile, filepath.Ext(name))
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: file is empty", ErrInvalidFile)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrFileTooLarge, len(data), maxBytes)
	}

	switch format {
	case FormatPDF:
		if !bytes.HasPrefix(data, []byte("%PDF-")) {
			return "", fmt.Errorf("%w: not a PDF document", ErrInvalidFile)
		}
	case FormatDOCX:
		if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
			return "", fmt.Errorf("%w: not a DOCX document", ErrInvalidFile)
		}
	case FormatJSON:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidFile)
		}
		if !json.Valid(stripBOM(data)) {
			return "", fmt.Errorf("%w: malformed JSON", ErrInvalidFile)
		}
	default:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidFile)
		}
	}
	return format, nil
}

// Extract returns the plain text of a validated file.
func Extract(format Format, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch format {
	case FormatText, FormatMarkdown, FormatCSV, FormatJSON:
		text = string(stripBOM(data))
	case FormatHTML:
		text, err = extractHTML(data)
	case FormatPDF:
		text, err = extractPDF(data)
	case FormatDOCX:
		text, err = extractDOCX(data)
	default:
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidFile, format)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoText
	}
	return text, nil
}

func stripBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
}

var htmlBlockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "blockquote": true, "pre": true,
}

func extractHTML(data []byte) (string, error) {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	var b strings.Builder
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if errors.Is(tokenizer.Err(), io.EOF) {
				return b.String(), nil
			}
			return "", fmt.Errorf("%w: parse html: %v", ErrInvalidFile, tokenizer.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			tag := token.Data
			if tag == "script" || tag == "style" || tag == "noscript" {
				if token.Type == html.SelfClosingTagToken {
					// <script src="..."/> has no body and no end tag.
					tokenizer.NextIsNotRawText()
				} else {
					skipDepth++
				}
			}
			if htmlBlockTags[tag] {
				b.WriteString("\n\n")
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style" || tag == "noscript") && skipDepth > 0 {
				skipDepth--
			}
			if htmlBlockTags[tag] {
				b.WriteString("\n\n")
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func extractPDF(data []byte) (text string, err error) {
	// The PDF reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: read pdf: %v", ErrInvalidFile, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %v", ErrInvalidFile, err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: extract pdf text: %v", ErrInvalidFile, err)
	}
	var b bytes.Buffer
	if _, err := b.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return b.String(), nil
}

func extractDOCX(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open docx: %v", ErrInvalidFile, err)
	}

	var document *zip.File
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			document = f
			break
		}
	}
	if document == nil {
		return "", fmt.Errorf("%w: docx has no word/document.xml", ErrInvalidFile)
	}

	rc, err := document.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open document.xml: %v", ErrInvalidFile, err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var b strings.Builder
	inText := false
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: parse document.xml: %v", ErrInvalidFile, err)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				b.Write(el)
			}
		}
	}
}
