package prompt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/prompt"
	"github.com/aspor-platform/extraction-engine/internal/storage"
)

func TestStoreResolver_PrimaryHit(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	ctx := context.Background()

	custom := "Prompt actualizado para contragarantías.\n{document_text}"
	require.NoError(t, store.PutBytes(ctx, constants.ModelContragarantias.PromptKey(), []byte(custom), "text/plain"))

	tiered := prompt.NewTiered(nil, prompt.NewStoreResolver(store), prompt.NewEmbeddedResolver())
	got, err := tiered.Resolve(ctx, constants.ModelContragarantias)
	require.NoError(t, err)
	assert.Equal(t, custom, got, "primary tier wins over the embedded snapshot")
}

func TestTiered_FallsBackToEmbedded(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir()) // empty primary
	tiered := prompt.NewTiered(nil, prompt.NewStoreResolver(store), prompt.NewEmbeddedResolver())

	for _, selector := range constants.ModelSelectors {
		got, err := tiered.Resolve(context.Background(), selector)
		require.NoError(t, err, "selector %s", selector)
		assert.Contains(t, got, "{document_text}")
	}
}

func TestTiered_AllTiersExhausted(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	tiered := prompt.NewTiered(nil, prompt.NewStoreResolver(store))

	_, err := tiered.Resolve(context.Background(), constants.ModelInformeSocial)
	require.ErrorIs(t, err, common.ErrPromptNotFound)
}

func TestEmbeddedResolver_UnknownSelector(t *testing.T) {
	_, err := prompt.NewEmbeddedResolver().Resolve(context.Background(), constants.ModelSelector("Z"))
	require.ErrorIs(t, err, common.ErrPromptNotFound)
}

func TestRender(t *testing.T) {
	t.Run("placeholder insertion point", func(t *testing.T) {
		out := prompt.Render("antes\n{document_text}\ndespués", "TEXTO")
		assert.Equal(t, "antes\nTEXTO\ndespués", out)
	})

	t.Run("placeholder replaced once", func(t *testing.T) {
		out := prompt.Render("{document_text} y {document_text}", "X")
		assert.Equal(t, "X y {document_text}", out)
	})

	t.Run("template without placeholder appends", func(t *testing.T) {
		out := prompt.Render("instrucciones", "TEXTO")
		assert.Contains(t, out, "instrucciones")
		assert.Contains(t, out, "Analiza el siguiente documento:\nTEXTO")
	})
}
