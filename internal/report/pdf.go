package report

import (
	"bytes"
	"fmt"
	"strings"
)

// Page geometry for the fixed-layout output (US letter, 1in-ish margins).
const (
	pdfPageWidth   = 612
	pdfPageHeight  = 792
	pdfMarginLeft  = 50
	pdfTopY        = 750
	pdfBottomY     = 50
	pdfLineStep    = 15
	pdfMaxLineLen  = 95
	pdfBodyFontPt  = 10
	pdfHeadFontPt  = 12
	pdfTitleFontPt = 16
)

type pdfLine struct {
	text string
	pt   int
}

// buildPDF renders the report as a minimal PDF: one font, one content stream
// per page, a hand-written xref. Identical input yields identical bytes.
func buildPDF(title, dateLine string, blocks []block) ([]byte, error) {
	lines := []pdfLine{
		{text: title, pt: pdfTitleFontPt},
		{text: dateLine, pt: pdfBodyFontPt},
		{text: "", pt: pdfBodyFontPt},
	}
	for _, b := range blocks {
		switch b.kind {
		case blockBlank:
			lines = append(lines, pdfLine{text: "", pt: pdfBodyFontPt})
		case blockHeading:
			for _, part := range wrapLine(b.text, pdfMaxLineLen) {
				lines = append(lines, pdfLine{text: part, pt: pdfHeadFontPt})
			}
		case blockBullet:
			for _, part := range wrapLine("- "+b.text, pdfMaxLineLen) {
				lines = append(lines, pdfLine{text: part, pt: pdfBodyFontPt})
			}
		default:
			for _, part := range wrapLine(b.text, pdfMaxLineLen) {
				lines = append(lines, pdfLine{text: part, pt: pdfBodyFontPt})
			}
		}
	}

	streams := paginate(lines)
	pageCount := len(streams)

	// Object layout: 1 catalog, 2 pages tree, 3 font, then per page
	// (page object, content object).
	var objects []string
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")

	kids := make([]string, pageCount)
	for i := 0; i < pageCount; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", 4+i*2)
	}
	objects = append(objects, fmt.Sprintf(
		"<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pageCount))
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	for i, stream := range streams {
		pageObj := fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			pdfPageWidth, pdfPageHeight, 5+i*2)
		contentObj := fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream)
		objects = append(objects, pageObj, contentObj)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objects); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1, xrefStart)

	return buf.Bytes(), nil
}

// paginate turns the line list into per-page content streams.
func paginate(lines []pdfLine) []string {
	var streams []string
	var sb strings.Builder
	y := pdfTopY

	flush := func() {
		streams = append(streams, strings.TrimRight(sb.String(), "\n"))
		sb.Reset()
		y = pdfTopY
	}

	for _, line := range lines {
		if y < pdfBottomY {
			flush()
		}
		if line.text != "" {
			fmt.Fprintf(&sb, "BT\n/F1 %d Tf\n%d %d Td\n(%s) Tj\nET\n",
				line.pt, pdfMarginLeft, y, escapePDF(line.text))
		}
		y -= pdfLineStep
	}
	if sb.Len() > 0 || len(streams) == 0 {
		flush()
	}
	return streams
}

// wrapLine breaks long lines at word boundaries so they fit the page width.
func wrapLine(s string, max int) []string {
	s = strings.TrimRight(s, " ")
	if len(s) <= max {
		return []string{s}
	}

	var out []string
	for len(s) > max {
		cut := strings.LastIndex(s[:max], " ")
		if cut <= 0 {
			cut = max
		}
		out = append(out, strings.TrimRight(s[:cut], " "))
		s = strings.TrimLeft(s[cut:], " ")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// escapePDF escapes the characters with meaning inside a literal string and
// replaces bytes outside the base encoding with a placeholder.
func escapePDF(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '(':
			b.WriteString(`\(`)
		case r == ')':
			b.WriteString(`\)`)
		case r < 32:
			b.WriteByte(' ')
		case r > 255:
			b.WriteByte('?')
		default:
			// Latin-1 byte; Helvetica's standard encoding covers it.
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}
