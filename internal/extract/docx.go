package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// docxText extracts plain text from a DOCX package by walking the paragraph
// runs of word/document.xml. Tables are flattened row by row.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx package: %w", err)
	}

	body, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return "", fmt.Errorf("read document part: %w", err)
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	var paragraphs []string

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "p" {
			continue
		}
		if p := docxParagraph(dec); strings.TrimSpace(p) != "" {
			paragraphs = append(paragraphs, strings.TrimSpace(p))
		}
	}

	return strings.Join(paragraphs, "\n"), nil
}

// docxParagraph reads one <w:p> element and returns its concatenated run text.
func docxParagraph(dec *xml.Decoder) string {
	var runs []string
	depth := 1

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "t":
				runs = append(runs, readCharData(dec, &depth))
			case "tab":
				runs = append(runs, "\t")
			case "br":
				runs = append(runs, "\n")
			}
		case xml.EndElement:
			depth--
		}
	}

	return strings.Join(runs, "")
}

// readCharData reads character data inside a text element, tracking depth.
func readCharData(dec *xml.Decoder, depth *int) string {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			*depth++
		case xml.EndElement:
			*depth--
			return sb.String()
		}
	}
	return sb.String()
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("missing %s", name)
}
