package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/aspor-platform/extraction-engine/constants"
)

// InputFile describes one uploaded source document. The slice on Run keeps
// upload order, which is also concatenation order.
type InputFile struct {
	StorageKey   string `json:"storage_key"`
	OriginalName string `json:"original_name"`
	ByteSize     int64  `json:"byte_size"`
}

// RunMetrics is populated once the model call succeeds. LatencyMS covers only
// the successful attempt, not failed retries.
type RunMetrics struct {
	TokensIn  int   `json:"tokens_in"`
	TokensOut int   `json:"tokens_out"`
	LatencyMS int64 `json:"latency_ms"`
}

// RunError records the terminal failure of a run.
type RunError struct {
	Stage   constants.Stage `json:"stage"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
}

// Run is the central entity: one end-to-end processing instance from
// submitted files to produced report(s).
type Run struct {
	ID      uuid.UUID               `json:"id"`
	OwnerID string                  `json:"owner_id"`
	Model   constants.ModelSelector `json:"model"`

	InputFiles []InputFile `json:"input_files"`

	State constants.RunState `json:"state"`

	// ExtractedTextKeys holds one object-store key per input file, in upload
	// order. Populated when extraction completes and preserved on later
	// failures.
	ExtractedTextKeys []string `json:"extracted_text_keys,omitempty"`

	// ModelOutput is the raw model response, immutable once set.
	ModelOutput *string `json:"model_output,omitempty"`

	// OutputPreview is a bounded prefix of ModelOutput for listings.
	OutputPreview string `json:"output_preview,omitempty"`

	// ReportRefs maps output format -> object-store key. DOCX is written
	// eagerly during the run, PDF lazily on first request.
	ReportRefs map[constants.ReportFormat]string `json:"report_refs,omitempty"`

	Metrics *RunMetrics `json:"metrics,omitempty"`
	Error   *RunError   `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReportRef returns the stored artifact key for a format, if produced.
func (r *Run) ReportRef(format constants.ReportFormat) (string, bool) {
	if r.ReportRefs == nil {
		return "", false
	}
	key, ok := r.ReportRefs[format]
	return key, ok
}
