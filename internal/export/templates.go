package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(template.New("transcript.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"join":  strings.Join,
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
	"speaker": speaker,
}).ParseFS(templateFS, "templates/transcript.html"))

func speaker(role string) string {
	if role == "assistant" {
		return "Agente"
	}
	return "Usuário"
}

// RenderHTML renders the transcript page. Message content is escaped.
func RenderHTML(t Transcript) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, t); err != nil {
		return "", err
	}
	return buf.String(), nil
}
