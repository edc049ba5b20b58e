package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/dotsetgreg/dungeon/pkg/config"
)

// Credential modes reported by ProviderCredentialStatus.
const (
	authModeAPIKey    = "api_key"
	authModeTokenFile = "token_file"
)

// credential is the single secret a provider authenticates with: either the
// configured key itself or a file the key is read from on every request.
type credential struct {
	mode  string
	value string
	field string
}

func (c credential) token() (string, error) {
	if c.mode != authModeTokenFile {
		tok := strings.TrimSpace(c.value)
		if tok == "" {
			return "", fmt.Errorf("%s is empty", c.field)
		}
		return tok, nil
	}
	path := config.ExpandHome(c.value)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", path, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return tok, nil
}

// resolveCredential picks the one credential configured for b. Setting both a
// key and a token file is an error, as is setting neither.
func resolveCredential(b backend, p config.ProviderConfig) (credential, error) {
	var found []credential
	if key := strings.TrimSpace(p.APIKey); key != "" {
		found = append(found, credential{mode: authModeAPIKey, value: key, field: "provider.key"})
	}
	if b.tokenFile {
		if path := strings.TrimSpace(p.TokenFile); path != "" {
			found = append(found, credential{mode: authModeTokenFile, value: path, field: "provider.token_file"})
		}
	}

	switch len(found) {
	case 0:
		hint := "provider.key / OPENAI_KEY"
		if b.tokenFile {
			hint += " or provider.token_file / OPENAI_TOKEN_FILE"
		}
		return credential{}, fmt.Errorf("%s credentials are required (set %s)", b.label, hint)
	case 1:
		return found[0], nil
	default:
		return credential{}, fmt.Errorf("multiple %s credential sources configured (%s, %s); set exactly one",
			b.label, found[0].field, found[1].field)
	}
}

// checkCredential fails early when a token file is configured but unreadable.
func checkCredential(b backend, c credential) error {
	if c.mode != authModeTokenFile {
		return nil
	}
	path := config.ExpandHome(c.value)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s token file not accessible at %s: %w", b.label, path, err)
	}
	return nil
}

// AuthStrategy applies request auth for provider HTTP calls.
type AuthStrategy interface {
	Mode() string
	Apply(ctx context.Context, req *http.Request) error
}

// headerAuth writes the credential into one request header. Bearer providers
// use Authorization with a "Bearer " prefix; Azure uses a bare api-key header.
type headerAuth struct {
	header string
	prefix string
	cred   credential
}

func bearerAuth(c credential) AuthStrategy {
	return &headerAuth{header: "Authorization", prefix: "Bearer ", cred: c}
}

func keyHeaderAuth(header string, c credential) AuthStrategy {
	return &headerAuth{header: header, cred: c}
}

func (a *headerAuth) Mode() string {
	return a.cred.mode
}

func (a *headerAuth) Apply(_ context.Context, req *http.Request) error {
	if a.header == "" {
		return fmt.Errorf("auth header name is empty")
	}
	tok, err := a.cred.token()
	if err != nil {
		return fmt.Errorf("resolve auth token: %w", err)
	}
	req.Header.Set(a.header, a.prefix+tok)
	return nil
}
