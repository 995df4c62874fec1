package model

// Provider names the hosted completion backends the registry can route to.
type Provider string

const (
	ProviderGoogle     Provider = "google"
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
)

// Capabilities flags what a model can be asked for. Requests for an
// unsupported capability are rejected before a provider call is made.
type Capabilities struct {
	WebSearch       bool `json:"webSearch"`
	Thinking        bool `json:"thinking"`
	ImageGeneration bool `json:"imageGeneration"`
}

// Spec describes one selectable model: which provider serves it, the
// provider-side model id, and the request header carrying that provider's
// API key.
type Spec struct {
	Name         string       `json:"name"`
	Provider     Provider     `json:"provider"`
	ModelID      string       `json:"modelId"`
	HeaderKey    string       `json:"headerKey"`
	Capabilities Capabilities `json:"capabilities"`
}

const (
	googleKeyHeader     = "X-Google-API-Key"
	openAIKeyHeader     = "X-OpenAI-API-Key"
	openRouterKeyHeader = "X-OpenRouter-API-Key"
)

var specs = []Spec{
	{
		Name:      "Gemini 2.5 Flash",
		Provider:  ProviderGoogle,
		ModelID:   "gemini-2.5-flash",
		HeaderKey: googleKeyHeader,
		Capabilities: Capabilities{
			WebSearch: true,
			Thinking:  true,
		},
	},
	{
		Name:      "Gemini 2.5 Pro",
		Provider:  ProviderGoogle,
		ModelID:   "gemini-2.5-pro",
		HeaderKey: googleKeyHeader,
		Capabilities: Capabilities{
			WebSearch: true,
			Thinking:  true,
		},
	},
	{
		Name:      "Gemini 2.0 Flash Image",
		Provider:  ProviderGoogle,
		ModelID:   "gemini-2.0-flash-preview-image-generation",
		HeaderKey: googleKeyHeader,
		Capabilities: Capabilities{
			ImageGeneration: true,
		},
	},
	{
		Name:      "GPT-4o",
		Provider:  ProviderOpenAI,
		ModelID:   "gpt-4o",
		HeaderKey: openAIKeyHeader,
	},
	{
		Name:      "GPT-4o mini",
		Provider:  ProviderOpenAI,
		ModelID:   "gpt-4o-mini",
		HeaderKey: openAIKeyHeader,
	},
	{
		Name:      "o4-mini",
		Provider:  ProviderOpenAI,
		ModelID:   "o4-mini",
		HeaderKey: openAIKeyHeader,
		Capabilities: Capabilities{
			Thinking: true,
		},
	},
	{
		Name:      "DeepSeek R1",
		Provider:  ProviderOpenRouter,
		ModelID:   "deepseek/deepseek-r1",
		HeaderKey: openRouterKeyHeader,
		Capabilities: Capabilities{
			Thinking: true,
		},
	},
	{
		Name:      "Llama 4 Maverick",
		Provider:  ProviderOpenRouter,
		ModelID:   "meta-llama/llama-4-maverick",
		HeaderKey: openRouterKeyHeader,
		Capabilities: Capabilities{
			WebSearch: true,
		},
	},
}

// Registry is a static lookup table from display name to model spec. It has
// no behavior and never errors; unknown names are a caller bug to surface
// before use.
type Registry struct {
	byName map[string]Spec
	order  []string
}

func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Spec, len(specs)), order: make([]string, 0, len(specs))}
	for _, spec := range specs {
		r.byName[spec.Name] = spec
		r.order = append(r.order, spec.Name)
	}
	return r
}

func (r *Registry) Lookup(name string) (Spec, bool) {
	spec, ok := r.byName[name]
	return spec, ok
}

// All returns the specs in declaration order.
func (r *Registry) All() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}
