// Package render turns a signed handover snapshot into distributable
// artifacts. Every format is produced from the same markdown document so the
// HTML, PDF and email bodies carry identical content.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
	texttemplate "text/template"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"watchkeeper/internal/domain"
)

type Artifact struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Document is the render input: the frozen snapshot plus its hash.
type Document struct {
	Snapshot     domain.Snapshot
	DocumentHash string
	VesselName   string
}

func (d Document) Title() string {
	name := d.VesselName
	if name == "" {
		name = d.Snapshot.VesselID
	}
	return fmt.Sprintf("Handover %s (%s to %s)", name, shortDate(d.Snapshot.PeriodStart), shortDate(d.Snapshot.PeriodEnd))
}

// Render dispatches on export format.
func Render(format string, doc Document) (Artifact, error) {
	switch format {
	case domain.ExportHTML:
		return HTML(doc)
	case domain.ExportPDF:
		return PDF(doc)
	case domain.ExportEmail:
		return Email(doc)
	default:
		return Artifact{}, fmt.Errorf("unsupported export format %q", format)
	}
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

var markdownTmpl = texttemplate.Must(texttemplate.New("handover").Funcs(texttemplate.FuncMap{
	"esc":   escapeMarkdown,
	"join":  strings.Join,
	"flags": itemFlags,
}).Parse(`# {{esc .Title}}

| Field | Value |
|---|---|
| Vessel | {{esc .Snapshot.VesselID}} |
| Period | {{.Snapshot.PeriodStart}} to {{.Snapshot.PeriodEnd}} |
| Outgoing | {{esc .Snapshot.Outgoing.UserID}} at {{.Snapshot.Outgoing.SignedAt}} |
| Incoming | {{esc .Snapshot.Incoming.UserID}} at {{.Snapshot.Incoming.SignedAt}} |
{{range .Snapshot.Sections}}
## {{esc .Bucket}}
{{range .Items}}
- **{{.DomainCode}}** {{esc .SummaryText}}{{with flags .}} _({{.}})_{{end}}{{if .RiskTags}} [{{join .RiskTags ", "}}]{{end}}
{{- end}}
{{end}}
---

Document hash: ` + "`{{.DocumentHash}}`" + `
`))

// Markdown renders the shared markdown document.
func Markdown(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := markdownTmpl.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return buf.Bytes(), nil
}

func markdownToHTML(doc Document) (template.HTML, error) {
	src, err := Markdown(doc)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := md.Convert(src, &out); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	// goldmark omits raw HTML by default, so the converted body is safe to embed.
	return template.HTML(out.String()), nil
}

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<meta name="document-hash" content="{{.Hash}}">
<style>
body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; max-width: 56rem; margin: 2rem auto; color: #1b2733; }
h1 { font-size: 1.5rem; } h2 { border-bottom: 1px solid #c9d3dd; padding-bottom: .25rem; }
table { border-collapse: collapse; } td, th { border: 1px solid #c9d3dd; padding: .25rem .5rem; text-align: left; }
code { font-size: .8rem; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

func HTML(doc Document) (Artifact, error) {
	body, err := markdownToHTML(doc)
	if err != nil {
		return Artifact{}, err
	}
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, map[string]any{"Title": doc.Title(), "Hash": doc.DocumentHash, "Body": body}); err != nil {
		return Artifact{}, fmt.Errorf("render html: %w", err)
	}
	return Artifact{Data: buf.Bytes(), ContentType: "text/html; charset=utf-8", Extension: "html"}, nil
}

var emailTmpl = template.Must(template.New("email").Parse(`<!doctype html>
<html><body style="font-family: Helvetica, Arial, sans-serif; color: #1b2733;">
<p>The handover for {{.Vessel}} has been signed by both parties.</p>
{{.Body}}
</body></html>
`))

// Email renders the HTML body handed to the delivery service.
func Email(doc Document) (Artifact, error) {
	body, err := markdownToHTML(doc)
	if err != nil {
		return Artifact{}, err
	}
	vessel := doc.VesselName
	if vessel == "" {
		vessel = doc.Snapshot.VesselID
	}
	var buf bytes.Buffer
	if err := emailTmpl.Execute(&buf, map[string]any{"Vessel": vessel, "Body": body}); err != nil {
		return Artifact{}, fmt.Errorf("render email: %w", err)
	}
	return Artifact{Data: buf.Bytes(), ContentType: "text/html; charset=utf-8", Extension: "eml.html"}, nil
}

// Subject returns the email subject line.
func Subject(doc Document) string {
	return doc.Title()
}

// PDF lays the snapshot out on A4 pages with the core Helvetica font.
func PDF(doc Document) (Artifact, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(doc.Title(), true)
	pdf.SetAuthor("watchkeeper", true)
	pdf.SetSubject("document-hash "+doc.DocumentHash, true)
	if t, err := domain.ParseTime(doc.Snapshot.Incoming.SignedAt); err == nil {
		pdf.SetCreationDate(t)
		pdf.SetModificationDate(t)
	} else {
		pdf.SetCreationDate(time.Unix(0, 0).UTC())
		pdf.SetModificationDate(time.Unix(0, 0).UTC())
	}
	pdf.SetCatalogSort(true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "", 7)
		pdf.CellFormat(160, 5, tr("SHA-256 "+doc.DocumentHash), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 5, fmt.Sprintf("%d", pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 8, tr(doc.Title()), "", "L", false)
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 9)
	s := doc.Snapshot
	for _, line := range []string{
		"Period: " + s.PeriodStart + " to " + s.PeriodEnd,
		"Outgoing: " + s.Outgoing.UserID + " at " + s.Outgoing.SignedAt,
		"Incoming: " + s.Incoming.UserID + " at " + s.Incoming.SignedAt,
	} {
		pdf.CellFormat(0, 5, tr(line), "", 1, "L", false, 0, "")
	}
	for _, sec := range s.Sections {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 7, tr(sec.Bucket), "B", 1, "L", false, 0, "")
		pdf.Ln(1)
		for _, it := range sec.Items {
			pdf.SetFont("Helvetica", "B", 9)
			head := it.DomainCode + "  " + it.ConfidenceLevel
			if f := itemFlags(it); f != "" {
				head += "  " + f
			}
			if len(it.RiskTags) > 0 {
				head += "  [" + strings.Join(it.RiskTags, ", ") + "]"
			}
			pdf.CellFormat(0, 5, tr(head), "", 1, "L", false, 0, "")
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, tr(it.SummaryText), "", "L", false)
			pdf.Ln(1)
		}
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return Artifact{}, fmt.Errorf("render pdf: %w", err)
	}
	return Artifact{Data: buf.Bytes(), ContentType: "application/pdf", Extension: "pdf"}, nil
}

func itemFlags(it domain.SnapshotItem) string {
	var flags []string
	if it.ConflictFlag {
		flags = append(flags, "conflicting sources")
	}
	if it.UncertaintyFlag {
		flags = append(flags, "low confidence")
	}
	return strings.Join(flags, ", ")
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
	"<", "&lt;", ">", "&gt;", "|", `\|`, "#", `\#`, "\n", " ",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func shortDate(ts string) string {
	if t, err := domain.ParseTime(ts); err == nil {
		return t.Format("2006-01-02")
	}
	return ts
}
