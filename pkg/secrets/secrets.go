// Package secrets fetches opaque secret blobs for injection into instance
// environments. Values are never logged or inspected.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
)

// Provider is the secret collaborator
type Provider interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// DirProvider reads each secret from a file named after it
type DirProvider struct {
	dir string
}

// NewDirProvider creates a provider rooted at dir
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{dir: dir}
}

// Fetch returns the contents of <dir>/<name> with one trailing newline trimmed
func (p *DirProvider) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("secret %s: %w", name, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	return []byte(strings.TrimSuffix(string(data), "\n")), nil
}

// MapProvider serves secrets from memory
type MapProvider struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMapProvider creates a provider holding a copy of data
func NewMapProvider(data map[string][]byte) *MapProvider {
	p := &MapProvider{data: make(map[string][]byte, len(data))}
	for k, v := range data {
		p.data[k] = append([]byte(nil), v...)
	}
	return p
}

// Set stores a secret
func (p *MapProvider) Set(name string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[name] = append([]byte(nil), value...)
}

// Fetch returns a copy of a stored secret
func (p *MapProvider) Fetch(ctx context.Context, name string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[name]
	if !ok {
		return nil, fmt.Errorf("secret %s: %w", name, errdefs.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// FetchAll resolves every name, failing on the first missing secret
func FetchAll(ctx context.Context, p Provider, names []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(names))
	for _, name := range names {
		v, err := p.Fetch(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// EnvName maps a secret name to the environment variable it is injected as:
// mongodb-user -> MONGODB_USER
func EnvName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}
