package constants

// ModelSelector picks which extraction specialization a run uses. It is set
// at submission and never inferred from document content.
type ModelSelector string

const (
	// ModelContragarantias (A) validates power-of-attorney signing capacity.
	ModelContragarantias ModelSelector = "A"
	// ModelInformeSocial (B) produces a corporate-information report.
	ModelInformeSocial ModelSelector = "B"
)

// ModelSelectors holds the accepted selector values.
var ModelSelectors = []ModelSelector{ModelContragarantias, ModelInformeSocial}

func (m ModelSelector) Valid() bool {
	return m == ModelContragarantias || m == ModelInformeSocial
}

// PromptKey returns the template-store key for the selector. The key space
// matches the parameter names the prompts are published under.
func (m ModelSelector) PromptKey() string {
	switch m {
	case ModelContragarantias:
		return "prompts/agent-a-contragarantias"
	case ModelInformeSocial:
		return "prompts/agent-b-informes"
	}
	return ""
}

// ReportTitle returns the document title used by the report synthesizer.
func (m ModelSelector) ReportTitle() string {
	if m == ModelContragarantias {
		return "INFORME DE CONTRAGARANTÍAS"
	}
	return "INFORME SOCIAL"
}
