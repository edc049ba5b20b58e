package providers

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dotsetgreg/dungeon/pkg/config"
)

const (
	ProviderAzure      = "azure"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

const (
	defaultOpenAIAPIBase     = "https://api.openai.com/v1"
	defaultOpenAIModel       = "gpt-4o-mini"
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-4o-mini"
	defaultAzureAPIVersion   = "2023-08-01-preview"
)

// backend describes one chat-completions service. All of them speak the same
// request body; they differ in routing and in how the key is sent.
type backend struct {
	name  string
	label string
	// apiBase is the default base URL. Empty means provider.url is required.
	apiBase string
	model   string
	// tokenFile allows provider.token_file as the credential.
	tokenFile bool
	// deployment routes by provider.deployment with an api-version query.
	deployment bool
	// authHeader carries the raw key. Empty means Authorization: Bearer.
	authHeader string
}

var backends = map[string]backend{
	ProviderOpenAI: {
		name:      ProviderOpenAI,
		label:     "OpenAI",
		apiBase:   defaultOpenAIAPIBase,
		model:     defaultOpenAIModel,
		tokenFile: true,
	},
	ProviderOpenRouter: {
		name:    ProviderOpenRouter,
		label:   "OpenRouter",
		apiBase: defaultOpenRouterAPIBase,
		model:   defaultOpenRouterModel,
	},
	ProviderAzure: {
		name:       ProviderAzure,
		label:      "Azure OpenAI",
		deployment: true,
		authHeader: "api-key",
	},
}

func (b backend) endpoint(p config.ProviderConfig) string {
	base := strings.TrimRight(strings.TrimSpace(p.APIBase), "/")
	if base == "" {
		base = b.apiBase
	}
	if !b.deployment {
		return base + "/chat/completions"
	}
	version := strings.TrimSpace(p.APIVersion)
	if version == "" {
		version = defaultAzureAPIVersion
	}
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		base, url.PathEscape(strings.TrimSpace(p.Deployment)), url.QueryEscape(version))
}

func (b backend) modelName(p config.ProviderConfig) string {
	if model := strings.TrimSpace(p.Model); model != "" {
		return model
	}
	return b.model
}

func (b backend) auth(c credential) AuthStrategy {
	if b.authHeader != "" {
		return keyHeaderAuth(b.authHeader, c)
	}
	return bearerAuth(c)
}
