package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchkeeper/internal/domain"
)

func testDocument() Document {
	return Document{
		DocumentHash: strings.Repeat("ab", 32),
		VesselName:   "M/Y Aurora",
		Snapshot: domain.Snapshot{
			Format:      domain.SnapshotFormat,
			DraftID:     "d1",
			VesselID:    "MY-AURORA",
			PeriodStart: "2026-02-01T00:00:00.000Z",
			PeriodEnd:   "2026-03-01T00:00:00.000Z",
			Outgoing:    domain.SnapshotSignature{UserID: "capt-a", SignedAt: "2026-03-01T09:00:00.000Z"},
			Incoming:    domain.SnapshotSignature{UserID: "capt-b", SignedAt: "2026-03-01T10:00:00.000Z"},
			Sections: []domain.SnapshotSection{
				{Bucket: domain.BucketCommand, Order: 0, Items: []domain.SnapshotItem{
					{ID: "i0", DomainCode: "CMD-01", SummaryText: "Fire pump <2> offline", RiskTags: []string{domain.RiskSafetyCritical}, ConfidenceLevel: domain.ConfidenceHigh},
				}},
				{Bucket: domain.BucketEngineering, Order: 1, Items: []domain.SnapshotItem{
					{ID: "i1", DomainCode: "ENG-02", SummaryText: "Genset 2 tripping *intermittently*", ConfidenceLevel: domain.ConfidenceLow, ConflictFlag: true, UncertaintyFlag: true},
				}},
			},
		},
	}
}

func TestHTMLContainsSectionsInOrder(t *testing.T) {
	a, err := Render(domain.ExportHTML, testDocument())
	require.NoError(t, err)
	html := string(a.Data)
	assert.Equal(t, "html", a.Extension)
	cmd := strings.Index(html, "<h2>Command</h2>")
	eng := strings.Index(html, "<h2>Engineering</h2>")
	require.True(t, cmd > 0 && eng > cmd, "sections out of order:\n%s", html)
	assert.Contains(t, html, "Fire pump &lt;2&gt; offline")
	assert.NotContains(t, html, "<2>")
	assert.Contains(t, html, "conflicting sources")
	assert.Contains(t, html, strings.Repeat("ab", 32))
	assert.Contains(t, html, "M/Y Aurora")
}

func TestPDFIsDeterministic(t *testing.T) {
	a, err := Render(domain.ExportPDF, testDocument())
	require.NoError(t, err)
	b, err := Render(domain.ExportPDF, testDocument())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(a.Data, []byte("%PDF-")))
	assert.Equal(t, "application/pdf", a.ContentType)
	assert.Equal(t, a.Data, b.Data)
}

func TestEmailBody(t *testing.T) {
	doc := testDocument()
	a, err := Render(domain.ExportEmail, doc)
	require.NoError(t, err)
	assert.Contains(t, string(a.Data), "signed by both parties")
	assert.Contains(t, Subject(doc), "M/Y Aurora")
	assert.Contains(t, Subject(doc), "2026-02-01")
}

func TestUnknownFormat(t *testing.T) {
	_, err := Render("docx", testDocument())
	assert.Error(t, err)
}
