package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"civicportal/api/internal/store"
)

// stored marks text that was entity-escaped before it was persisted, so the
// template must not escape it a second time.
func stored(s string) template.HTML {
	return template.HTML(s)
}

//go:embed templates/*.html
var templateFS embed.FS

var issueTemplate = template.Must(template.New("issue.html").Funcs(template.FuncMap{
	"stored": stored,
	"title":  statusLabel,
	"formatDate": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
	"money": func(v float64) string {
		return fmt.Sprintf("$%.2f", v)
	},
}).ParseFS(templateFS, "templates/issue.html"))

// TemplateData holds everything the issue report shows.
type TemplateData struct {
	Issue       store.Issue
	Department  string
	Updates     []store.Update
	Solutions   []store.Solution
	Comments    []store.Comment
	GeneratedAt time.Time
}

func RenderIssueHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := issueTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// statusLabel turns "in_progress" into "In progress".
func statusLabel(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
