package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/entity"
)

// RunRecord is the database row for a run. Slice and map fields are stored as
// JSON text so the same schema works on sqlite and postgres.
type RunRecord struct {
	ID      string `gorm:"primaryKey;size:36"`
	OwnerID string `gorm:"not null;index:idx_runs_owner_created,priority:1"`
	Model   string `gorm:"not null;size:1"`
	State   string `gorm:"not null"`

	InputFilesJSON    string `gorm:"type:text;not null"`
	ExtractedKeysJSON string `gorm:"type:text"`

	ModelOutput   *string `gorm:"type:text"`
	OutputPreview string  `gorm:"type:text"`

	ReportRefsJSON string `gorm:"type:text"`

	TokensIn  int
	TokensOut int
	LatencyMS int64

	ErrorStage   string
	ErrorKind    string
	ErrorMessage string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"index:idx_runs_owner_created,priority:2"`
	UpdatedAt time.Time
}

func (RunRecord) TableName() string { return "runs" }

func recordFromRun(run *entity.Run) (*RunRecord, error) {
	files, err := json.Marshal(run.InputFiles)
	if err != nil {
		return nil, err
	}

	rec := &RunRecord{
		ID:             run.ID.String(),
		OwnerID:        run.OwnerID,
		Model:          string(run.Model),
		State:          string(run.State),
		InputFilesJSON: string(files),
		ModelOutput:    run.ModelOutput,
		OutputPreview:  run.OutputPreview,
		CreatedAt:      run.CreatedAt,
		UpdatedAt:      run.UpdatedAt,
	}

	if len(run.ExtractedTextKeys) > 0 {
		keys, err := json.Marshal(run.ExtractedTextKeys)
		if err != nil {
			return nil, err
		}
		rec.ExtractedKeysJSON = string(keys)
	}
	if len(run.ReportRefs) > 0 {
		refs, err := json.Marshal(run.ReportRefs)
		if err != nil {
			return nil, err
		}
		rec.ReportRefsJSON = string(refs)
	}
	if run.Metrics != nil {
		rec.TokensIn = run.Metrics.TokensIn
		rec.TokensOut = run.Metrics.TokensOut
		rec.LatencyMS = run.Metrics.LatencyMS
	}
	if run.Error != nil {
		rec.ErrorStage = string(run.Error.Stage)
		rec.ErrorKind = run.Error.Kind
		rec.ErrorMessage = run.Error.Message
	}
	return rec, nil
}

func (r *RunRecord) toRun() (*entity.Run, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}

	run := &entity.Run{
		ID:            id,
		OwnerID:       r.OwnerID,
		Model:         constants.ModelSelector(r.Model),
		State:         constants.RunState(r.State),
		ModelOutput:   r.ModelOutput,
		OutputPreview: r.OutputPreview,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}

	if err := json.Unmarshal([]byte(r.InputFilesJSON), &run.InputFiles); err != nil {
		return nil, err
	}
	if r.ExtractedKeysJSON != "" {
		if err := json.Unmarshal([]byte(r.ExtractedKeysJSON), &run.ExtractedTextKeys); err != nil {
			return nil, err
		}
	}
	if r.ReportRefsJSON != "" {
		if err := json.Unmarshal([]byte(r.ReportRefsJSON), &run.ReportRefs); err != nil {
			return nil, err
		}
	}
	if r.TokensIn > 0 || r.TokensOut > 0 || r.LatencyMS > 0 {
		run.Metrics = &entity.RunMetrics{
			TokensIn:  r.TokensIn,
			TokensOut: r.TokensOut,
			LatencyMS: r.LatencyMS,
		}
	}
	if r.ErrorStage != "" || r.ErrorKind != "" {
		run.Error = &entity.RunError{
			Stage:   constants.Stage(r.ErrorStage),
			Kind:    r.ErrorKind,
			Message: r.ErrorMessage,
		}
	}
	return run, nil
}
