package delivery

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	logx "beacon/pkg/logx"
)

// GatewaySpec is the provider-neutral description a Factory builds from.
type GatewaySpec struct {
	Name        string
	Medium      Medium
	RatePerSec  float64
	RatePerHour int
	Options     map[string]string
}

// Option returns a trimmed option value or def.
func (s GatewaySpec) Option(key, def string) string {
	if v := strings.TrimSpace(s.Options[key]); v != "" {
		return v
	}
	return def
}

// IntOption parses an integer option, returning def when absent.
func (s GatewaySpec) IntOption(key string, def int) (int, error) {
	raw := s.Option(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("gateway %s: option %s: %w", s.Name, key, err)
	}
	return n, nil
}

// Deps carries shared infrastructure into factories.
type Deps struct {
	Log        logx.Logger
	HTTPClient *http.Client
}

// Factory builds a gateway. It must not perform network I/O.
type Factory func(spec GatewaySpec, deps Deps) (Gateway, error)

// Registry maps provider keys ("smtp", "resend", "webhook", ...) to factories.
// It is filled at startup and read when channels are built.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(key string, f Factory) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || f == nil {
		return fmt.Errorf("registry: empty provider key or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		return fmt.Errorf("registry: provider %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

func (r *Registry) Build(key string, spec GatewaySpec, deps Deps) (Gateway, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	r.mu.RLock()
	f := r.factories[key]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("registry: unknown provider %q (have %s)", key, strings.Join(r.Keys(), ", "))
	}
	if strings.TrimSpace(spec.Name) == "" {
		spec.Name = key
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	g, err := f(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("build %s gateway %q: %w", spec.Medium, spec.Name, err)
	}
	return g, nil
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
