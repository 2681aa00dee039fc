package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"strings"
	"unicode"
)

// NotebookLoader renders a Jupyter notebook file as a static HTML document.
// Markdown cells are shown as preformatted text, code cells keep their source
// and stored outputs. The file is parsed on every call so edits show up
// without a restart.
type NotebookLoader struct{}

type notebookFile struct {
	Cells []notebookCell `json:"cells"`
}

type notebookCell struct {
	CellType string           `json:"cell_type"`
	Source   nbText           `json:"source"`
	Outputs  []notebookOutput `json:"outputs"`
}

type notebookOutput struct {
	OutputType string                     `json:"output_type"`
	Text       nbText                     `json:"text"`
	Data       map[string]json.RawMessage `json:"data"`
	EName      string                     `json:"ename"`
	EValue     string                     `json:"evalue"`
	Traceback  []string                   `json:"traceback"`
}

// nbText absorbs the nbformat convention of storing text either as a single
// string or as a list of line fragments.
type nbText string

func (t *nbText) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var lines []string
		if err := json.Unmarshal(data, &lines); err != nil {
			return err
		}
		*t = nbText(strings.Join(lines, ""))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = nbText(s)
	return nil
}

type notebookView struct {
	Title string
	Cells []cellView
}

type cellView struct {
	Markdown bool
	Source   string
	Outputs  []outputView
}

// outputView carries either plain text, which the template escapes, or HTML
// that was stored in the notebook and is emitted as-is.
type outputView struct {
	Text string
	HTML template.HTML
}

var notebookTmpl = template.Must(template.New("notebook").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { margin: 2rem auto; max-width: 60rem; padding: 0 1rem; font-family: sans-serif; }
pre { background: #f6f6f6; padding: 0.75rem; overflow-x: auto; }
section { margin-bottom: 1.5rem; }
img { max-width: 100%; }
</style>
</head>
<body>
{{range .Cells}}<section>
{{if .Markdown}}<pre class="markdown">{{.Source}}</pre>
{{else}}<pre><code>{{.Source}}</code></pre>
{{range .Outputs}}{{if .HTML}}<div class="output">{{.HTML}}</div>
{{else}}<pre class="output">{{.Text}}</pre>
{{end}}{{end}}{{end}}</section>
{{end}}</body>
</html>
`))

func (l *NotebookLoader) Load(ctx context.Context, entry Entry, req Request) (*Document, error) {
	raw, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("notebook %s: %w", entry.Route, err)
	}
	var nb notebookFile
	if err := json.Unmarshal(raw, &nb); err != nil {
		return nil, fmt.Errorf("notebook %s: parse: %w", entry.Route, err)
	}

	view := notebookView{Title: entry.Route}
	for _, cell := range nb.Cells {
		cv := cellView{Markdown: cell.CellType == "markdown", Source: string(cell.Source)}
		if !cv.Markdown {
			for _, out := range cell.Outputs {
				if ov, ok := renderOutput(out); ok {
					cv.Outputs = append(cv.Outputs, ov)
				}
			}
		}
		view.Cells = append(view.Cells, cv)
	}

	var buf bytes.Buffer
	if err := notebookTmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("notebook %s: render: %w", entry.Route, err)
	}
	return &Document{ContentType: htmlContentType, Body: buf.Bytes()}, nil
}

// renderOutput converts one stored cell output into its display form. Outputs
// with no displayable payload are skipped.
func renderOutput(out notebookOutput) (outputView, bool) {
	switch out.OutputType {
	case "stream":
		return outputView{Text: string(out.Text)}, out.Text != ""
	case "error":
		text := out.EName + ": " + out.EValue
		if len(out.Traceback) > 0 {
			text = strings.Join(out.Traceback, "\n")
		}
		return outputView{Text: text}, true
	case "display_data", "execute_result":
		if raw, ok := out.Data["text/html"]; ok {
			if s, ok := mimeText(raw); ok {
				return outputView{HTML: template.HTML(s)}, true
			}
		}
		if raw, ok := out.Data["image/png"]; ok {
			if s, ok := mimeText(raw); ok {
				// The whole img tag is built here because the payload is
				// already base64 and must not be escaped again.
				b64 := strings.Map(dropSpace, s)
				if _, err := base64.StdEncoding.DecodeString(b64); err == nil {
					return outputView{HTML: template.HTML(`<img alt="output" src="data:image/png;base64,` + b64 + `">`)}, true
				}
			}
		}
		if raw, ok := out.Data["text/plain"]; ok {
			if s, ok := mimeText(raw); ok {
				return outputView{Text: s}, true
			}
		}
	}
	return outputView{}, false
}

func mimeText(raw json.RawMessage) (string, bool) {
	var t nbText
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", false
	}
	return string(t), true
}

func dropSpace(r rune) rune {
	if unicode.IsSpace(r) {
		return -1
	}
	return r
}
