package repository_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/entity"
	"github.com/aspor-platform/extraction-engine/internal/repository"
)

func setupTestRepo(t *testing.T) repository.RunRepository {
	t.Helper()

	db, err := repository.Open(common.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repository.Close(db, nil) })

	return repository.NewRunRepository(db, nil)
}

func newTestRun(ownerID string) *entity.Run {
	now := time.Now().UTC()
	return &entity.Run{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Model:   constants.ModelContragarantias,
		InputFiles: []entity.InputFile{
			{StorageKey: "uploads/escritura.pdf", OriginalName: "escritura.pdf", ByteSize: 1024},
		},
		State:     constants.RunStateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRunRepository_CreateAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newTestRun("owner-a")
	require.NoError(t, repo.Create(ctx, run))

	got, err := repo.Get(ctx, run.ID, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, constants.RunStateCreated, got.State)
	require.Len(t, got.InputFiles, 1)
	assert.Equal(t, "escritura.pdf", got.InputFiles[0].OriginalName)
	assert.Nil(t, got.Metrics)
	assert.Nil(t, got.Error)
}

func TestRunRepository_OwnershipIsolation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newTestRun("owner-a")
	require.NoError(t, repo.Create(ctx, run))

	// Another owner's lookup is indistinguishable from an unknown run.
	_, err := repo.Get(ctx, run.ID, "owner-b")
	require.ErrorIs(t, err, common.ErrNotFound)

	err = repo.Delete(ctx, run.ID, "owner-b")
	require.ErrorIs(t, err, common.ErrNotFound)

	// The run is still there for its owner.
	_, err = repo.Get(ctx, run.ID, "owner-a")
	require.NoError(t, err)
}

func TestRunRepository_TransitionCarriesPayload(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newTestRun("owner-a")
	require.NoError(t, repo.Create(ctx, run))

	_, err := repo.Transition(ctx, run.ID, constants.RunStateCreated, constants.RunStateExtracting, repository.Patch{})
	require.NoError(t, err)

	keys := []string{"extracted/x/01.txt"}
	got, err := repo.Transition(ctx, run.ID, constants.RunStateExtracting, constants.RunStateInvoking,
		repository.Patch{ExtractedTextKeys: keys})
	require.NoError(t, err)
	assert.Equal(t, constants.RunStateInvoking, got.State)
	assert.Equal(t, keys, got.ExtractedTextKeys)

	output := "INFORME\nCuerpo del informe."
	got, err = repo.Transition(ctx, run.ID, constants.RunStateInvoking, constants.RunStateSynthesizing,
		repository.Patch{
			ModelOutput: &output,
			Metrics:     &entity.RunMetrics{TokensIn: 120, TokensOut: 80, LatencyMS: 900},
		})
	require.NoError(t, err)
	require.NotNil(t, got.ModelOutput)
	assert.Equal(t, output, *got.ModelOutput)
	assert.Equal(t, output, got.OutputPreview)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, int64(900), got.Metrics.LatencyMS)

	// Earlier payload survives the transition.
	assert.Equal(t, keys, got.ExtractedTextKeys)
}

func TestRunRepository_PreviewKeepsRuneBoundary(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newTestRun("owner-a")
	run.State = constants.RunStateInvoking
	require.NoError(t, repo.Create(ctx, run))

	// A two-byte rune straddles the preview cut.
	output := strings.Repeat("a", 999) + strings.Repeat("á", 10)
	got, err := repo.Transition(ctx, run.ID, constants.RunStateInvoking, constants.RunStateSynthesizing,
		repository.Patch{ModelOutput: &output})
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(got.OutputPreview))
	assert.Equal(t, strings.Repeat("a", 999), got.OutputPreview, "the straddling rune is dropped whole")
}

func TestRunRepository_TransitionGuard(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newTestRun("owner-a")
	require.NoError(t, repo.Create(ctx, run))

	_, err := repo.Transition(ctx, run.ID, constants.RunStateCreated, constants.RunStateExtracting, repository.Patch{})
	require.NoError(t, err)

	// A second driver still expecting CREATED loses the race.
	_, err = repo.Transition(ctx, run.ID, constants.RunStateCreated, constants.RunStateExtracting, repository.Patch{})
	require.ErrorIs(t, err, repository.ErrConflict)

	// Backward transitions are rejected outright.
	_, err = repo.Transition(ctx, run.ID, constants.RunStateExtracting, constants.RunStateCreated, repository.Patch{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, repository.ErrConflict))
}

func TestRunRepository_FailedIsTerminal(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newTestRun("owner-a")
	require.NoError(t, repo.Create(ctx, run))

	_, err := repo.Transition(ctx, run.ID, constants.RunStateCreated, constants.RunStateExtracting, repository.Patch{})
	require.NoError(t, err)

	got, err := repo.Transition(ctx, run.ID, constants.RunStateExtracting, constants.RunStateFailed,
		repository.Patch{Error: &entity.RunError{
			Stage:   constants.StageExtracting,
			Kind:    "ExtractionError",
			Message: "corrupt file",
		}})
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "ExtractionError", got.Error.Kind)

	// No way out of FAILED.
	_, err = repo.Transition(ctx, run.ID, constants.RunStateFailed, constants.RunStateExtracting, repository.Patch{})
	require.Error(t, err)
}

func TestRunRepository_ListPagination(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		run := newTestRun("owner-a")
		run.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		run.UpdatedAt = run.CreatedAt
		require.NoError(t, repo.Create(ctx, run))
		ids = append(ids, run.ID)
	}
	// Another owner's run never shows up.
	require.NoError(t, repo.Create(ctx, newTestRun("owner-b")))

	page1, cursor, err := repo.List(ctx, "owner-a", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, ids[4], page1[0].ID, "newest first")
	assert.Equal(t, ids[3], page1[1].ID)

	page2, cursor, err := repo.List(ctx, "owner-a", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, ids[2], page2[0].ID)

	page3, cursor, err := repo.List(ctx, "owner-a", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor)
	assert.Equal(t, ids[0], page3[0].ID)
}

func TestRunRepository_SetReportRefIdempotent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	run := newTestRun("owner-a")
	require.NoError(t, repo.Create(ctx, run))

	first, err := repo.SetReportRef(ctx, run.ID, constants.FormatPDF, "outputs/x/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "outputs/x/report.pdf", first)

	// A second writer keeps the existing key.
	second, err := repo.SetReportRef(ctx, run.ID, constants.FormatPDF, "outputs/x/other.pdf")
	require.NoError(t, err)
	assert.Equal(t, "outputs/x/report.pdf", second)

	got, err := repo.Get(ctx, run.ID, "owner-a")
	require.NoError(t, err)
	key, ok := got.ReportRef(constants.FormatPDF)
	require.True(t, ok)
	assert.Equal(t, "outputs/x/report.pdf", key)
}

func TestRunRepository_ListUnfinished(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	active := newTestRun("owner-a")
	require.NoError(t, repo.Create(ctx, active))

	done := newTestRun("owner-a")
	done.State = constants.RunStateCompleted
	require.NoError(t, repo.Create(ctx, done))

	failed := newTestRun("owner-a")
	failed.State = constants.RunStateFailed
	require.NoError(t, repo.Create(ctx, failed))

	ids, err := repo.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, active.ID, ids[0])
}
