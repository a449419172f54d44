package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/entity"
)

// ErrConflict is returned by Transition when the run's state no longer
// matches the expected `from` state. A concurrent driver won the write; the
// caller should treat its own attempt as a no-op.
var ErrConflict = errors.New("run state changed concurrently")

// previewLimit bounds the stored model-output preview shown in listings.
const previewLimit = 1000

// Patch carries the stage payload written atomically with a state transition.
// Nil/empty fields are left untouched, so earlier stages' work survives later
// failures.
type Patch struct {
	ExtractedTextKeys []string
	ModelOutput       *string
	Metrics           *entity.RunMetrics
	ReportRefs        map[constants.ReportFormat]string
	Error             *entity.RunError
}

// RunRepository is the durable record of a run's lifecycle. All owner-scoped
// reads hide other owners' runs as not-found.
type RunRepository interface {
	Create(ctx context.Context, run *entity.Run) error

	// GetByID loads a run without owner scoping; for orchestrator use only.
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Run, error)

	Get(ctx context.Context, id uuid.UUID, ownerID string) (*entity.Run, error)
	List(ctx context.Context, ownerID string, cursor string, limit int) ([]*entity.Run, string, error)
	Delete(ctx context.Context, id uuid.UUID, ownerID string) error

	// Transition performs the guarded state write `from -> to` together with
	// the stage payload in one atomic update. It fails with ErrConflict when
	// another driver already moved the run past `from`.
	Transition(ctx context.Context, id uuid.UUID, from, to constants.RunState, patch Patch) (*entity.Run, error)

	// SetReportRef records the artifact key for a format exactly once. When a
	// concurrent synthesis already recorded a key, the existing key wins and
	// is returned.
	SetReportRef(ctx context.Context, id uuid.UUID, format constants.ReportFormat, key string) (string, error)

	// ListUnfinished returns IDs of runs in a non-terminal state, oldest
	// first. Used at startup to resume interrupted runs.
	ListUnfinished(ctx context.Context) ([]uuid.UUID, error)
}

// Compile-time interface check.
var _ RunRepository = (*runRepository)(nil)

type runRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewRunRepository creates a RunRepository on an open gorm handle.
func NewRunRepository(db *gorm.DB, logger *slog.Logger) RunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &runRepository{db: db, logger: logger}
}

func (r *runRepository) Create(ctx context.Context, run *entity.Run) error {
	rec, err := recordFromRun(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	r.logger.Debug("repo.runs.create", "run_id", run.ID, "owner_id", run.OwnerID)
	return nil
}

func (r *runRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Run, error) {
	var rec RunRecord
	err := r.db.WithContext(ctx).Where("id = ?", id.String()).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: run %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return rec.toRun()
}

func (r *runRepository) Get(ctx context.Context, id uuid.UUID, ownerID string) (*entity.Run, error) {
	var rec RunRecord
	err := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id.String(), ownerID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Unowned runs are indistinguishable from unknown ones.
		return nil, fmt.Errorf("%w: run %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return rec.toRun()
}

// List pages through an owner's runs newest first using a keyset cursor on
// (created_at, id).
func (r *runRepository) List(ctx context.Context, ownerID string, cursor string, limit int) ([]*entity.Run, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	q := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)

	if cursor != "" {
		createdAt, lastID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", common.ValidationErrorf("invalid cursor")
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", createdAt, createdAt, lastID)
	}

	var recs []RunRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, "", fmt.Errorf("listing runs: %w", err)
	}

	next := ""
	if len(recs) > limit {
		recs = recs[:limit]
		last := recs[len(recs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}

	runs := make([]*entity.Run, 0, len(recs))
	for i := range recs {
		run, err := recs[i].toRun()
		if err != nil {
			return nil, "", fmt.Errorf("decoding run %s: %w", recs[i].ID, err)
		}
		runs = append(runs, run)
	}
	return runs, next, nil
}

func (r *runRepository) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id.String(), ownerID).
		Delete(&RunRecord{})
	if res.Error != nil {
		return fmt.Errorf("deleting run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: run %s", common.ErrNotFound, id)
	}
	r.logger.Info("repo.runs.delete", "run_id", id, "owner_id", ownerID)
	return nil
}

func (r *runRepository) Transition(ctx context.Context, id uuid.UUID, from, to constants.RunState, patch Patch) (*entity.Run, error) {
	if !constants.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	updates := map[string]any{
		"state":      string(to),
		"updated_at": time.Now().UTC(),
	}
	if len(patch.ExtractedTextKeys) > 0 {
		keys, err := json.Marshal(patch.ExtractedTextKeys)
		if err != nil {
			return nil, fmt.Errorf("encoding text keys: %w", err)
		}
		updates["extracted_keys_json"] = string(keys)
	}
	if patch.ModelOutput != nil {
		updates["model_output"] = *patch.ModelOutput
		updates["output_preview"] = preview(*patch.ModelOutput)
	}
	if patch.Metrics != nil {
		updates["tokens_in"] = patch.Metrics.TokensIn
		updates["tokens_out"] = patch.Metrics.TokensOut
		updates["latency_ms"] = patch.Metrics.LatencyMS
	}
	if len(patch.ReportRefs) > 0 {
		refs, err := json.Marshal(patch.ReportRefs)
		if err != nil {
			return nil, fmt.Errorf("encoding report refs: %w", err)
		}
		updates["report_refs_json"] = string(refs)
	}
	if patch.Error != nil {
		updates["error_stage"] = string(patch.Error.Stage)
		updates["error_kind"] = patch.Error.Kind
		updates["error_message"] = patch.Error.Message
	}

	res := r.db.WithContext(ctx).
		Model(&RunRecord{}).
		Where("id = ? AND state = ?", id.String(), string(from)).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("transitioning run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the run is gone or another driver moved it first.
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is no longer %s", ErrConflict, id, from)
	}

	r.logger.Info("repo.runs.transition", "run_id", id, "from", from, "to", to)
	return r.GetByID(ctx, id)
}

func (r *runRepository) SetReportRef(ctx context.Context, id uuid.UUID, format constants.ReportFormat, key string) (string, error) {
	winner := key
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec RunRecord
		if err := tx.Where("id = ?", id.String()).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: run %s", common.ErrNotFound, id)
			}
			return err
		}

		refs := map[constants.ReportFormat]string{}
		if rec.ReportRefsJSON != "" {
			if err := json.Unmarshal([]byte(rec.ReportRefsJSON), &refs); err != nil {
				return fmt.Errorf("decoding report refs: %w", err)
			}
		}
		if existing, ok := refs[format]; ok {
			winner = existing
			return nil
		}

		refs[format] = key
		encoded, err := json.Marshal(refs)
		if err != nil {
			return err
		}
		return tx.Model(&RunRecord{}).
			Where("id = ?", id.String()).
			Updates(map[string]any{
				"report_refs_json": string(encoded),
				"updated_at":       time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return "", err
	}
	return winner, nil
}

func (r *runRepository) ListUnfinished(ctx context.Context) ([]uuid.UUID, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&RunRecord{}).
		Where("state NOT IN ?", []string{
			string(constants.RunStateCompleted),
			string(constants.RunStateFailed),
		}).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing unfinished runs: %w", err)
	}

	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func preview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	cut := previewLimit
	// Do not split a multi-byte rune at the boundary.
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := string(raw)
	sep := -1
	for i := 0; i < len(parts); i++ {
		if parts[i] == '|' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[:sep])
	if err != nil {
		return time.Time{}, "", err
	}
	return createdAt, parts[sep+1:], nil
}
