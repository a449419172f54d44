package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/entity"
	"github.com/aspor-platform/extraction-engine/internal/extract"
	"github.com/aspor-platform/extraction-engine/internal/llm"
	"github.com/aspor-platform/extraction-engine/internal/prompt"
	"github.com/aspor-platform/extraction-engine/internal/report"
	"github.com/aspor-platform/extraction-engine/internal/repository"
	"github.com/aspor-platform/extraction-engine/internal/storage"
)

// Engine is the run orchestrator: it validates submissions, drives the
// CREATED -> EXTRACTING -> INVOKING -> SYNTHESIZING -> COMPLETED state
// machine one persisted transition at a time, and exposes owner-scoped
// retrieval. Every stage payload is written together with its transition, so
// a crash resumes at the last completed stage.
type Engine struct {
	cfg       common.Config
	runs      repository.RunRepository
	store     storage.ObjectStore
	extractor *extract.Extractor
	prompts   prompt.Resolver
	invoker   llm.Invoker
	reports   *report.Synthesizer
	logger    *slog.Logger

	// inflight rejects a second concurrent advance of the same run inside
	// this process before any stage work starts. Cross-process drivers are
	// serialized by the store's guarded transition instead.
	inflight sync.Map
}

// New wires the orchestrator from its collaborators.
func New(
	cfg common.Config,
	runs repository.RunRepository,
	store storage.ObjectStore,
	extractor *extract.Extractor,
	prompts prompt.Resolver,
	invoker llm.Invoker,
	reports *report.Synthesizer,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		runs:      runs,
		store:     store,
		extractor: extractor,
		prompts:   prompts,
		invoker:   invoker,
		reports:   reports,
		logger:    logger,
	}
}

// SubmitRun validates the submission and creates the run in CREATED state.
// Validation failures never create a row.
func (e *Engine) SubmitRun(ctx context.Context, ownerID string, selector constants.ModelSelector, files []entity.InputFile) (uuid.UUID, error) {
	if strings.TrimSpace(ownerID) == "" {
		return uuid.Nil, common.ValidationErrorf("owner id is required")
	}
	if !selector.Valid() {
		return uuid.Nil, common.ValidationErrorf("model selector must be A or B")
	}
	if len(files) < 1 || len(files) > e.cfg.Extract.MaxFiles {
		return uuid.Nil, common.ValidationErrorf("must provide 1-%d files, got %d", e.cfg.Extract.MaxFiles, len(files))
	}
	for i, f := range files {
		if strings.TrimSpace(f.StorageKey) == "" {
			return uuid.Nil, common.ValidationErrorf("file %d has no storage key", i+1)
		}
		if f.ByteSize <= 0 || f.ByteSize > e.cfg.Extract.MaxFileBytes {
			return uuid.Nil, common.ValidationErrorf("file %q size %d exceeds limit %d",
				f.OriginalName, f.ByteSize, e.cfg.Extract.MaxFileBytes)
		}
		ext := constants.NormalizeExt(filepath.Ext(f.OriginalName))
		if _, ok := constants.AllowedExtensions[ext]; !ok {
			return uuid.Nil, common.ValidationErrorf("file %q has unsupported extension %q", f.OriginalName, ext)
		}
	}

	now := time.Now().UTC()
	run := &entity.Run{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Model:      selector,
		InputFiles: files,
		State:      constants.RunStateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return uuid.Nil, err
	}

	e.logger.Info("engine.submit.ok",
		"run_id", run.ID,
		"owner_id", ownerID,
		"model", selector,
		"files", len(files),
	)
	return run.ID, nil
}

// ProcessRun advances the run until it reaches a terminal state. A FAILED
// run is a first-class result: its stage error is returned so synchronous
// callers can log it, but it is also recorded on the run for retrieval.
func (e *Engine) ProcessRun(ctx context.Context, runID uuid.UUID) error {
	for {
		state, err := e.Advance(ctx, runID)
		if err != nil {
			return err
		}
		if state.Terminal() {
			return nil
		}
	}
}

// Advance performs exactly one stage of the run's state machine and persists
// the transition before returning. A second concurrent advance of the same
// run becomes a no-op. The returned state is the run's state after the call.
func (e *Engine) Advance(ctx context.Context, runID uuid.UUID) (constants.RunState, error) {
	if _, busy := e.inflight.LoadOrStore(runID, struct{}{}); busy {
		e.logger.Warn("engine.advance.busy", "run_id", runID)
		run, err := e.runs.GetByID(ctx, runID)
		if err != nil {
			return "", err
		}
		return run.State, nil
	}
	defer e.inflight.Delete(runID)

	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return "", err
	}

	switch run.State {
	case constants.RunStateCreated:
		// Claiming transition; the extraction work itself runs under
		// EXTRACTING and lands with the next transition.
		updated, err := e.runs.Transition(ctx, runID, constants.RunStateCreated, constants.RunStateExtracting, repository.Patch{})
		if err != nil {
			return e.afterConflict(ctx, runID, err)
		}
		return updated.State, nil

	case constants.RunStateExtracting:
		return e.advanceExtracting(ctx, run)

	case constants.RunStateInvoking:
		return e.advanceInvoking(ctx, run)

	case constants.RunStateSynthesizing:
		return e.advanceSynthesizing(ctx, run)

	default:
		// Terminal states never advance.
		return run.State, nil
	}
}

func (e *Engine) advanceExtracting(ctx context.Context, run *entity.Run) (constants.RunState, error) {
	sctx, cancel := e.stageContext(ctx)
	defer cancel()

	texts, err := e.extractor.ExtractAll(sctx, run.InputFiles)
	if err != nil {
		return e.failRun(ctx, run, constants.StageExtracting, ensureKind(err, common.ErrExtraction))
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		key := textKey(run.ID, i)
		if err := e.store.PutBytes(sctx, key, []byte(text), "text/plain; charset=utf-8"); err != nil {
			return e.failRun(ctx, run, constants.StageExtracting, ensureKind(err, common.ErrExtraction))
		}
		keys[i] = key
	}

	updated, err := e.runs.Transition(ctx, run.ID, constants.RunStateExtracting, constants.RunStateInvoking,
		repository.Patch{ExtractedTextKeys: keys})
	if err != nil {
		return e.afterConflict(ctx, run.ID, err)
	}

	e.logger.Info("engine.extract.ok", "run_id", run.ID, "files", len(keys))
	return updated.State, nil
}

func (e *Engine) advanceInvoking(ctx context.Context, run *entity.Run) (constants.RunState, error) {
	sctx, cancel := e.stageContext(ctx)
	defer cancel()

	// Missing templates fail this stage before any model call happens.
	template, err := e.prompts.Resolve(sctx, run.Model)
	if err != nil {
		return e.failRun(ctx, run, constants.StageInvoking, ensureKind(err, common.ErrPromptNotFound))
	}

	texts := make([]string, len(run.ExtractedTextKeys))
	for i, key := range run.ExtractedTextKeys {
		data, err := e.store.GetBytes(sctx, key)
		if err != nil {
			return e.failRun(ctx, run, constants.StageInvoking, ensureKind(err, common.ErrInvocation))
		}
		texts[i] = string(data)
	}

	document := extract.Concatenate(run.InputFiles, texts, e.cfg.Extract.MaxTotalChars)
	rendered := prompt.Render(template, document)

	res, err := e.invoker.Invoke(sctx, rendered)
	if err != nil {
		return e.failRun(ctx, run, constants.StageInvoking, ensureKind(err, common.ErrInvocation))
	}

	output := res.OutputText
	updated, err := e.runs.Transition(ctx, run.ID, constants.RunStateInvoking, constants.RunStateSynthesizing,
		repository.Patch{
			ModelOutput: &output,
			Metrics: &entity.RunMetrics{
				TokensIn:  res.TokensIn,
				TokensOut: res.TokensOut,
				LatencyMS: res.LatencyMS,
			},
		})
	if err != nil {
		return e.afterConflict(ctx, run.ID, err)
	}

	e.logger.Info("engine.invoke.ok",
		"run_id", run.ID,
		"tokens_in", res.TokensIn,
		"tokens_out", res.TokensOut,
		"latency_ms", res.LatencyMS,
	)
	return updated.State, nil
}

func (e *Engine) advanceSynthesizing(ctx context.Context, run *entity.Run) (constants.RunState, error) {
	sctx, cancel := e.stageContext(ctx)
	defer cancel()

	if run.ModelOutput == nil {
		return e.failRun(ctx, run, constants.StageSynthesizing,
			fmt.Errorf("%w: run has no model output", common.ErrSynthesis))
	}

	data, contentType, err := e.reports.Synthesize(*run.ModelOutput, run.Model, constants.FormatDOCX)
	if err != nil {
		return e.failRun(ctx, run, constants.StageSynthesizing, ensureKind(err, common.ErrSynthesis))
	}

	key := artifactKey(run.ID, constants.FormatDOCX)
	if err := e.store.PutBytes(sctx, key, data, contentType); err != nil {
		return e.failRun(ctx, run, constants.StageSynthesizing, ensureKind(err, common.ErrSynthesis))
	}

	updated, err := e.runs.Transition(ctx, run.ID, constants.RunStateSynthesizing, constants.RunStateCompleted,
		repository.Patch{ReportRefs: map[constants.ReportFormat]string{constants.FormatDOCX: key}})
	if err != nil {
		return e.afterConflict(ctx, run.ID, err)
	}

	e.logger.Info("engine.synthesize.ok", "run_id", run.ID, "report", key)
	return updated.State, nil
}

// failRun wraps the failure in a StageError, records it on the run, and moves
// the run to FAILED. The payload of earlier stages is left untouched.
func (e *Engine) failRun(ctx context.Context, run *entity.Run, stage constants.Stage, cause error) (constants.RunState, error) {
	stageErr := common.NewStageError(stage, common.SentinelOf(cause), cause.Error(), nil)
	runErr := &entity.RunError{
		Stage:   stageErr.Stage,
		Kind:    common.KindOf(stageErr),
		Message: stageErr.Message,
	}

	if _, err := e.runs.Transition(ctx, run.ID, run.State, constants.RunStateFailed,
		repository.Patch{Error: runErr}); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another driver already settled the run.
			return e.afterConflict(ctx, run.ID, err)
		}
		e.logger.Error("engine.fail.persist_error", "run_id", run.ID, "error", err)
		return run.State, err
	}

	e.logger.Error("engine.stage.failed",
		"run_id", run.ID,
		"stage", stage,
		"kind", runErr.Kind,
		"error", cause,
	)
	return constants.RunStateFailed, stageErr
}

// afterConflict resolves a lost transition race by reporting the winner's
// state; the losing advance is a no-op.
func (e *Engine) afterConflict(ctx context.Context, runID uuid.UUID, cause error) (constants.RunState, error) {
	if !errors.Is(cause, repository.ErrConflict) {
		return "", cause
	}
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return "", err
	}
	e.logger.Warn("engine.advance.lost_race", "run_id", runID, "state", run.State)
	return run.State, nil
}

// GetRun returns the run scoped by owner.
func (e *Engine) GetRun(ctx context.Context, runID uuid.UUID, ownerID string) (*entity.Run, error) {
	return e.runs.Get(ctx, runID, ownerID)
}

// ListRuns pages through an owner's runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, ownerID string, cursor string, limit int) ([]*entity.Run, string, error) {
	return e.runs.List(ctx, ownerID, cursor, limit)
}

// DeleteRun removes the run row and best-effort deletes its stored
// artifacts. Input objects belong to the upload layer and are left alone.
func (e *Engine) DeleteRun(ctx context.Context, runID uuid.UUID, ownerID string) error {
	run, err := e.runs.Get(ctx, runID, ownerID)
	if err != nil {
		return err
	}

	for _, key := range run.ExtractedTextKeys {
		if err := e.store.Delete(ctx, key); err != nil {
			e.logger.Warn("engine.delete.artifact_error", "run_id", runID, "key", key, "error", err)
		}
	}
	for _, key := range run.ReportRefs {
		if err := e.store.Delete(ctx, key); err != nil {
			e.logger.Warn("engine.delete.artifact_error", "run_id", runID, "key", key, "error", err)
		}
	}

	return e.runs.Delete(ctx, runID, ownerID)
}

// RequestFormat returns the artifact key for a format, synthesizing it
// lazily from the persisted model output on first request. A format already
// produced is returned as-is: no duplicate synthesis, no model call.
func (e *Engine) RequestFormat(ctx context.Context, runID uuid.UUID, ownerID string, format constants.ReportFormat) (string, error) {
	if !format.Valid() {
		return "", common.ValidationErrorf("unknown report format %q", format)
	}

	run, err := e.runs.Get(ctx, runID, ownerID)
	if err != nil {
		return "", err
	}
	if key, ok := run.ReportRef(format); ok {
		return key, nil
	}
	if run.State != constants.RunStateCompleted || run.ModelOutput == nil {
		return "", common.ValidationErrorf("run %s is %s; reports are available once COMPLETED", runID, run.State)
	}

	data, contentType, err := e.reports.Synthesize(*run.ModelOutput, run.Model, format)
	if err != nil {
		return "", err
	}

	key := artifactKey(runID, format)
	if err := e.store.PutBytes(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("storing %s report: %w", format, err)
	}

	winner, err := e.runs.SetReportRef(ctx, runID, format, key)
	if err != nil {
		return "", err
	}
	if winner != key {
		// Lost a synthesis race; drop the orphan object.
		_ = e.store.Delete(ctx, key)
	}

	e.logger.Info("engine.request_format.ok", "run_id", runID, "format", format, "key", winner)
	return winner, nil
}

// OpenArtifact returns a produced report's bytes and content type for the
// download layer.
func (e *Engine) OpenArtifact(ctx context.Context, runID uuid.UUID, ownerID string, format constants.ReportFormat) ([]byte, string, error) {
	run, err := e.runs.Get(ctx, runID, ownerID)
	if err != nil {
		return nil, "", err
	}
	key, ok := run.ReportRef(format)
	if !ok {
		return nil, "", fmt.Errorf("%w: no %s report for run %s", common.ErrNotFound, format, runID)
	}
	data, err := e.store.GetBytes(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return data, format.ContentType(), nil
}

// ResumeUnfinished enqueues every non-terminal run for processing; called at
// startup to honor the crash-recovery contract.
func (e *Engine) ResumeUnfinished(ctx context.Context, q *Queue) (int, error) {
	ids, err := e.runs.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.Enqueue(ctx, id); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		e.logger.Info("engine.resume.enqueued", "count", len(ids))
	}
	return len(ids), nil
}

func (e *Engine) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Engine.StageTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Engine.StageTimeout)
	}
	return context.WithCancel(ctx)
}

// ensureKind guarantees the failure carries a classifiable kind; anything
// unrecognized is wrapped with the stage's default sentinel.
func ensureKind(err error, fallback error) error {
	if common.KindOf(err) != "InternalError" {
		return err
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

func textKey(runID uuid.UUID, index int) string {
	return fmt.Sprintf("extracted/%s/%02d.txt", runID, index+1)
}

func artifactKey(runID uuid.UUID, format constants.ReportFormat) string {
	return fmt.Sprintf("outputs/%s/report.%s", runID, format)
}
