package common_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/common"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, "PromptNotFoundError", common.KindOf(fmt.Errorf("selector B: %w", common.ErrPromptNotFound)))
	assert.Equal(t, "OcrUnavailableError", common.KindOf(fmt.Errorf("%w: dial tcp", common.ErrOCRUnavailable)))
	assert.Equal(t, "InternalError", common.KindOf(errors.New("unclassified")))
}

func TestSentinelOf(t *testing.T) {
	assert.Equal(t, common.ErrInvocation, common.SentinelOf(fmt.Errorf("%w: status 503", common.ErrInvocation)))
	assert.Nil(t, common.SentinelOf(errors.New("unclassified")))
}

func TestStageError(t *testing.T) {
	serr := common.NewStageError(constants.StageInvoking, common.ErrInvocation,
		"model call failed", errors.New("status 503"))

	require.True(t, errors.Is(serr, common.ErrInvocation), "the kind sentinel survives wrapping")
	assert.Equal(t, "InvocationError", common.KindOf(serr))
	assert.Contains(t, serr.Error(), "INVOKING")
	assert.Contains(t, serr.Error(), "model call failed")
	assert.Contains(t, serr.Error(), "status 503")
}

func TestStageError_NoCause(t *testing.T) {
	serr := common.NewStageError(constants.StageExtracting, common.ErrExtraction, "unreadable docx", nil)

	require.True(t, errors.Is(serr, common.ErrExtraction))
	assert.Equal(t, "ExtractionError", common.KindOf(serr))
	assert.Equal(t, "EXTRACTING: unreadable docx", serr.Error())
}
