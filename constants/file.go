package constants

import "strings"

// ReportFormat is an output format for a synthesized report.
type ReportFormat string

const (
	FormatDOCX ReportFormat = "docx" // editable, produced eagerly
	FormatPDF  ReportFormat = "pdf"  // fixed layout, produced lazily
)

func (f ReportFormat) Valid() bool {
	return f == FormatDOCX || f == FormatPDF
}

// ContentType returns the MIME type the artifact is stored with.
func (f ReportFormat) ContentType() string {
	switch f {
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case FormatPDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// AllowedExtensions holds the source-document extensions the extractor accepts.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"docx": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
