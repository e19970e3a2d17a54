package toolchain

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sakif/code-executor/internal/apperror"
)

// Registry is the read-mostly set of supported toolchains.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry constructs a registry from the supplied specs. Later entries
// replace earlier ones with the same language, so a toolchain file can
// override a built-in.
func NewRegistry(specs ...Spec) (*Registry, error) {
	reg := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return nil, err
		}
	}
	if len(reg.specs) == 0 {
		return nil, fmt.Errorf("at least one toolchain must be registered")
	}
	return reg, nil
}

// Register validates and stores spec.
func (r *Registry) Register(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Language] = spec.clone()
	return nil
}

// Resolve returns a copy of the toolchain for language, or an
// apperror.UnsupportedLanguage error.
func (r *Registry) Resolve(language string) (Spec, error) {
	key := strings.ToLower(strings.TrimSpace(language))

	r.mu.RLock()
	spec, ok := r.specs[key]
	r.mu.RUnlock()
	if !ok {
		return Spec{}, apperror.UnsupportedLanguage(language)
	}
	return spec.clone(), nil
}

// List returns every registered toolchain sorted by language.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	out := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// Images returns the distinct container images referenced by the registry.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{})
	var images []string
	for _, spec := range r.List() {
		if spec.Image == "" {
			continue
		}
		if _, ok := seen[spec.Image]; ok {
			continue
		}
		seen[spec.Image] = struct{}{}
		images = append(images, spec.Image)
	}
	return images
}
