package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/dungeon/pkg/config"
)

func SupportedProviders() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeProviderName lowercases name; an empty name selects openai.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenAI
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenAI
	}
	return NormalizeProviderName(cfg.Provider.APIType)
}

func lookupBackend(cfg *config.Config) (backend, error) {
	if cfg == nil {
		return backend{}, fmt.Errorf("config is required")
	}
	name := ActiveProviderName(cfg)
	b, ok := backends[name]
	if !ok {
		return backend{}, fmt.Errorf("unsupported provider %q: supported providers are %s",
			name, strings.Join(SupportedProviders(), ", "))
	}
	return b, nil
}

// validate reports every missing setting at once and returns the resolved
// credential when there is one.
func (b backend) validate(p config.ProviderConfig) (credential, error) {
	var errs []error
	cred, err := resolveCredential(b, p)
	if err != nil {
		errs = append(errs, err)
	} else if err := checkCredential(b, cred); err != nil {
		errs = append(errs, err)
	}
	if b.apiBase == "" && strings.TrimSpace(p.APIBase) == "" {
		errs = append(errs, fmt.Errorf("%s resource URL is required (set provider.url or OPENAI_URL)", b.label))
	}
	if b.deployment && strings.TrimSpace(p.Deployment) == "" {
		errs = append(errs, fmt.Errorf("%s deployment is required (set provider.deployment or OPENAI_DEPLOYMENT)", b.label))
	}
	return cred, errors.Join(errs...)
}

func ValidateProviderConfig(cfg *config.Config) error {
	b, err := lookupBackend(cfg)
	if err != nil {
		return err
	}
	_, err = b.validate(cfg.Provider)
	return err
}

// ProviderCredentialStatus reports whether the active provider has a usable
// credential and which mode it authenticates with.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	b, err := lookupBackend(cfg)
	if err != nil {
		return "", false, "", err
	}
	cred, err := resolveCredential(b, cfg.Provider)
	if err != nil {
		return b.name, false, "", nil
	}
	return b.name, true, cred.mode, nil
}

// CreateCaller builds the completion caller selected by cfg.Provider.APIType.
func CreateCaller(cfg *config.Config) (Caller, error) {
	b, err := lookupBackend(cfg)
	if err != nil {
		return nil, err
	}
	cred, err := b.validate(cfg.Provider)
	if err != nil {
		return nil, err
	}
	caller, err := newChatCompletionsCaller(b.name, callerSettings{
		endpoint: b.endpoint(cfg.Provider),
		model:    b.modelName(cfg.Provider),
		choices:  cfg.Convo.Choices,
		proxy:    cfg.Provider.Proxy,
		auth:     b.auth(cred),
	})
	if err != nil {
		return nil, err
	}
	return caller, nil
}
