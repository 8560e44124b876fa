package envfile

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bnema/gantry/internal/logging"
)

const defaultSecretTimeout = 10 * time.Second

// SecretProvider resolves ${name:path} references in environment values.
type SecretProvider interface {
	GetSecret(ctx context.Context, path string) (string, error)
	Name() string
}

// PassProvider reads secrets from the pass password store.
type PassProvider struct {
	timeout time.Duration
}

func NewPassProvider() *PassProvider {
	return &PassProvider{timeout: defaultSecretTimeout}
}

func (p *PassProvider) Name() string {
	return "pass"
}

func (p *PassProvider) GetSecret(ctx context.Context, path string) (string, error) {
	secret, err := runSecretCommand(ctx, p.timeout, "pass", "show", path)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", fmt.Errorf("empty secret returned from pass for path: %s", path)
	}

	logging.FromCtx(ctx).Debug().Str("path", path).Msg("retrieved secret from pass")
	return secret, nil
}

// SopsProvider extracts a key from a sops-encrypted file. Paths take the
// form "file.yaml:key".
type SopsProvider struct {
	timeout time.Duration
}

func NewSopsProvider() *SopsProvider {
	return &SopsProvider{timeout: defaultSecretTimeout}
}

func (s *SopsProvider) Name() string {
	return "sops"
}

func (s *SopsProvider) GetSecret(ctx context.Context, path string) (string, error) {
	filePath, keyPath, ok := strings.Cut(path, ":")
	if !ok || filePath == "" || keyPath == "" {
		return "", fmt.Errorf("sops path must be in format 'file:key', got: %s", path)
	}

	secret, err := runSecretCommand(ctx, s.timeout, "sops", "-d", "--extract", fmt.Sprintf("[%q]", keyPath), filePath)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", fmt.Errorf("empty secret returned from sops for path: %s", path)
	}

	logging.FromCtx(ctx).Debug().Str("path", path).Msg("retrieved secret from sops")
	return secret, nil
}

func runSecretCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return "", fmt.Errorf("%s command failed: %s", name, strings.TrimSpace(string(exitError.Stderr)))
		}
		return "", fmt.Errorf("failed to execute %s command: %w", name, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// resolveSecrets replaces every ${provider:path} in value. Values without a
// reference are returned unchanged.
func (l *Loader) resolveSecrets(ctx context.Context, value string) (string, error) {
	if !strings.Contains(value, "${") {
		return value, nil
	}

	result := value
	pos := 0
	for {
		start := strings.Index(result[pos:], "${")
		if start == -1 {
			break
		}
		start += pos

		end := strings.Index(result[start:], "}")
		if end == -1 {
			return "", fmt.Errorf("unclosed secret syntax in value: %s", value)
		}
		end += start

		secretRef := result[start+2 : end]
		providerName, secretPath, ok := strings.Cut(secretRef, ":")
		if !ok {
			return "", fmt.Errorf("invalid secret syntax: expected 'provider:path', got '%s'", secretRef)
		}

		provider, exists := l.secretProviders[providerName]
		if !exists {
			return "", fmt.Errorf("unknown secret provider: %s", providerName)
		}

		secretValue, err := provider.GetSecret(ctx, secretPath)
		if err != nil {
			return "", fmt.Errorf("failed to get secret from provider %s: %w", providerName, err)
		}

		// Secrets are inserted verbatim and never rescanned.
		result = result[:start] + secretValue + result[end+1:]
		pos = start + len(secretValue)
	}

	return result, nil
}
