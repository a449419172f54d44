package extract_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/entity"
	"github.com/aspor-platform/extraction-engine/internal/extract"
	"github.com/aspor-platform/extraction-engine/internal/storage"
)

// stubRunner replays a canned pdftotext result.
type stubRunner struct {
	stdout string
	err    error
}

func (r stubRunner) Run(context.Context, string, ...string) ([]byte, []byte, error) {
	return []byte(r.stdout), nil, r.err
}

// stubOCR replays a canned OCR result and records calls.
type stubOCR struct {
	text  string
	err   error
	calls int
}

func (o *stubOCR) DetectText(context.Context, []byte, string) (string, error) {
	o.calls++
	if o.err != nil {
		return "", o.err
	}
	return o.text, nil
}

func buildDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()

	var body strings.Builder
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	document := `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body.String() + `</w:body></w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`,
		"_rels/.rels":         `<?xml version="1.0"?><Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"/>`,
		"word/document.xml":   document,
	}
	for _, name := range []string{"[Content_Types].xml", "_rels/.rels", "word/document.xml"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(parts[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testConfig() common.ExtractConfig {
	return common.ExtractConfig{
		Pdftotext:     "pdftotext",
		MinTextChars:  20,
		MaxTotalChars: 10000,
		MaxFileBytes:  25 << 20,
		MaxFiles:      3,
	}
}

func putFile(t *testing.T, store storage.ObjectStore, key string, data []byte) entity.InputFile {
	t.Helper()
	require.NoError(t, store.PutBytes(context.Background(), key, data, ""))
	return entity.InputFile{StorageKey: key, OriginalName: key, ByteSize: int64(len(data))}
}

func TestExtractFile_DOCXDirect(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	ocr := &stubOCR{text: "unused"}
	e := extract.NewExtractor(testConfig(), store, ocr, nil)

	file := putFile(t, store, "escritura.docx", buildDOCX(t,
		"PRIMERO: La sociedad se denominará EMPRESA DEMO S.A.",
		"SEGUNDO: Su domicilio será la ciudad de Santiago.",
	))

	text, err := e.ExtractFile(context.Background(), file)
	require.NoError(t, err)
	assert.Contains(t, text, "EMPRESA DEMO S.A.")
	assert.Contains(t, text, "Santiago")
	assert.Zero(t, ocr.calls, "digital document must not hit OCR")
}

func TestExtractFile_PDFDirect(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	ocr := &stubOCR{text: "unused"}
	e := extract.NewExtractor(testConfig(), store, ocr, nil).
		WithRunner(stubRunner{stdout: "ESCRITURA DE PODER otorgada ante notario público.\n"})

	file := putFile(t, store, "poder.pdf", []byte("%PDF-1.4\nfake body"))

	text, err := e.ExtractFile(context.Background(), file)
	require.NoError(t, err)
	assert.Contains(t, text, "ESCRITURA DE PODER")
	assert.Zero(t, ocr.calls)
}

func TestExtractFile_OCRFallbackForScannedPDF(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	ocr := &stubOCR{text: "Texto reconocido por OCR del documento escaneado."}
	// Scanned PDF: pdftotext succeeds but yields nearly nothing.
	e := extract.NewExtractor(testConfig(), store, ocr, nil).
		WithRunner(stubRunner{stdout: "  \n"})

	file := putFile(t, store, "escaneado.pdf", []byte("%PDF-1.4\nscanned"))

	text, err := e.ExtractFile(context.Background(), file)
	require.NoError(t, err)
	assert.Contains(t, text, "reconocido por OCR")
	assert.Equal(t, 1, ocr.calls)
}

func TestExtractFile_OCRUnavailable(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	ocr := &stubOCR{err: fmt.Errorf("%w: connection refused", common.ErrOCRUnavailable)}
	e := extract.NewExtractor(testConfig(), store, ocr, nil).
		WithRunner(stubRunner{stdout: ""})

	file := putFile(t, store, "escaneado.pdf", []byte("%PDF-1.4\nscanned"))

	_, err := e.ExtractFile(context.Background(), file)
	require.ErrorIs(t, err, common.ErrOCRUnavailable)
}

func TestExtractFile_CorruptFile(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	// Direct path rejects the bytes and OCR cannot read them either.
	ocr := &stubOCR{err: errors.New("unreadable document")}
	e := extract.NewExtractor(testConfig(), store, ocr, nil)

	file := putFile(t, store, "roto.docx", []byte("not a zip at all"))

	_, err := e.ExtractFile(context.Background(), file)
	require.ErrorIs(t, err, common.ErrExtraction)
}

func TestExtractAll_PreservesUploadOrder(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	ocr := &stubOCR{text: "unused"}
	e := extract.NewExtractor(testConfig(), store, ocr, nil)

	files := []entity.InputFile{
		putFile(t, store, "a.docx", buildDOCX(t, "Contenido del primer documento legal analizado.")),
		putFile(t, store, "b.docx", buildDOCX(t, "Contenido del segundo documento legal analizado.")),
	}

	texts, err := e.ExtractAll(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "primer documento")
	assert.Contains(t, texts[1], "segundo documento")
}

func TestConcatenate_DelimitersAndTruncation(t *testing.T) {
	files := []entity.InputFile{
		{OriginalName: "poder.pdf"},
		{OriginalName: "estatutos.docx"},
	}
	texts := []string{"texto uno", "texto dos"}

	joined := extract.Concatenate(files, texts, 0)
	assert.Contains(t, joined, "--- DOCUMENTO 1: poder.pdf ---")
	assert.Contains(t, joined, "--- DOCUMENTO 2: estatutos.docx ---")
	assert.Less(t, strings.Index(joined, "texto uno"), strings.Index(joined, "texto dos"),
		"upload order is concatenation order")
	assert.NotContains(t, joined, extract.TruncationMarker)

	long := extract.Concatenate(files, []string{strings.Repeat("a", 500), "cola"}, 100)
	assert.True(t, strings.HasSuffix(long, extract.TruncationMarker), "excess is cut with an explicit marker")
	assert.LessOrEqual(t, len(long), 100+len(extract.TruncationMarker))
}

func TestConcatenate_TruncationKeepsRuneBoundary(t *testing.T) {
	files := []entity.InputFile{{OriginalName: "poder.pdf"}}
	accented := strings.Repeat("á", 100)

	// Adjacent budgets so one of them lands mid-rune regardless of how the
	// delimiter aligns the two-byte sequence.
	for _, max := range []int{40, 41} {
		out := extract.Concatenate(files, []string{accented}, max)
		require.True(t, strings.HasSuffix(out, extract.TruncationMarker), "max %d", max)
		assert.True(t, utf8.ValidString(out), "max %d must not split a rune", max)
	}
}
