package prompt

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/storage"
)

//go:embed templates/*.txt
var templateFS embed.FS

// placeholder marks the fixed insertion point for the document text inside a
// template.
const placeholder = "{document_text}"

// Resolver retrieves the authoritative prompt template for a model selector.
// Templates are opaque strings; the only processing applied is inserting the
// document text via Render.
type Resolver interface {
	Resolve(ctx context.Context, selector constants.ModelSelector) (string, error)
}

// StoreResolver reads templates from the object store's prompts/ keyspace,
// where the publishing pipeline uploads them.
type StoreResolver struct {
	store storage.ObjectStore
}

func NewStoreResolver(store storage.ObjectStore) *StoreResolver {
	return &StoreResolver{store: store}
}

func (r *StoreResolver) Resolve(ctx context.Context, selector constants.ModelSelector) (string, error) {
	key := selector.PromptKey()
	if key == "" {
		return "", fmt.Errorf("%w: unknown selector %q", common.ErrPromptNotFound, selector)
	}
	data, err := r.store.GetBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EmbeddedResolver serves the compiled-in snapshot of both templates. It is
// the last tier, so a build always carries a usable prompt set.
type EmbeddedResolver struct{}

func NewEmbeddedResolver() *EmbeddedResolver { return &EmbeddedResolver{} }

func (*EmbeddedResolver) Resolve(_ context.Context, selector constants.ModelSelector) (string, error) {
	var name string
	switch selector {
	case constants.ModelContragarantias:
		name = "templates/agent-a-contragarantias.txt"
	case constants.ModelInformeSocial:
		name = "templates/agent-b-informes.txt"
	default:
		return "", fmt.Errorf("%w: unknown selector %q", common.ErrPromptNotFound, selector)
	}
	data, err := templateFS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrPromptNotFound, err)
	}
	return string(data), nil
}

// Tiered tries each resolver in order and returns the first hit. Misses and
// transient failures fall through to the next tier; only full exhaustion is
// a PromptNotFoundError.
type Tiered struct {
	tiers  []Resolver
	logger *slog.Logger
}

func NewTiered(logger *slog.Logger, tiers ...Resolver) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{tiers: tiers, logger: logger}
}

func (t *Tiered) Resolve(ctx context.Context, selector constants.ModelSelector) (string, error) {
	var lastErr error
	for i, tier := range t.tiers {
		tpl, err := tier.Resolve(ctx, selector)
		if err == nil && strings.TrimSpace(tpl) != "" {
			if i > 0 {
				t.logger.Warn("prompt.resolve.fallback", "selector", selector, "tier", i)
			}
			return tpl, nil
		}
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			t.logger.Warn("prompt.resolve.tier_failed", "selector", selector, "tier", i, "error", err)
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: selector %s: %v", common.ErrPromptNotFound, selector, lastErr)
	}
	return "", fmt.Errorf("%w: selector %s", common.ErrPromptNotFound, selector)
}

// Render inserts the document text at the template's insertion point. A
// template without the placeholder gets the text appended after a fixed
// preamble, so older templates keep working.
func Render(template, documentText string) string {
	if strings.Contains(template, placeholder) {
		return strings.Replace(template, placeholder, documentText, 1)
	}
	return template + "\n\nAnaliza el siguiente documento:\n" + documentText
}
