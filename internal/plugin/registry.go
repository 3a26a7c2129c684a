// Package plugin lets optional extensions add routes and adjust responses
// without touching the core handlers.
//
// Extensions are compiled in and registered at startup. The server calls
// into the registry at two fixed points: after its own routes are set up
// (RouteRegistrar) and before every response header is written
// (ResponseModifier).
package plugin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Info describes a plugin.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author"`
}

// Plugin is any registered extension.
type Plugin interface {
	Info() Info
}

// RouteRegistrar is implemented by plugins that serve HTTP routes.
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// ResponseModifier is implemented by plugins that adjust response headers.
// It runs before the status line is written.
type ResponseModifier interface {
	ModifyResponse(r *http.Request, h http.Header, status int)
}

// Registry holds plugins in registration order.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	byName  map[string]Plugin
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byName: make(map[string]Plugin),
		logger: logger.Named("plugin"),
	}
}

// Register adds p. Names must be unique.
func (reg *Registry) Register(p Plugin) error {
	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin has no name")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.byName[info.Name]; ok {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}
	reg.plugins = append(reg.plugins, p)
	reg.byName[info.Name] = p
	reg.logger.Info("plugin registered", zap.String("plugin", info.Name), zap.String("version", info.Version))
	return nil
}

// Get returns the named plugin.
func (reg *Registry) Get(name string) (Plugin, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	p, ok := reg.byName[name]
	return p, ok
}

// Plugins returns a copy of the registered plugins in order.
func (reg *Registry) Plugins() []Plugin {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Plugin, len(reg.plugins))
	copy(out, reg.plugins)
	return out
}

// RegisterRoutes mounts the registry's own routes and every plugin's.
func (reg *Registry) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/plugin/list", reg.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/plugin/{name}/info", reg.handleInfo).Methods(http.MethodGet)

	for _, p := range reg.Plugins() {
		if rr, ok := p.(RouteRegistrar); ok {
			rr.RegisterRoutes(r)
			reg.logger.Debug("plugin routes mounted", zap.String("plugin", p.Info().Name))
		}
	}
}

// ModifyResponse runs every ResponseModifier in order. A panicking
// modifier is logged and skipped.
func (reg *Registry) ModifyResponse(r *http.Request, h http.Header, status int) {
	for _, p := range reg.Plugins() {
		m, ok := p.(ResponseModifier)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					reg.logger.Error("response modifier panicked",
						zap.String("plugin", p.Info().Name), zap.Any("panic", rec))
				}
			}()
			m.ModifyResponse(r, h, status)
		}()
	}
}

func (reg *Registry) handleList(w http.ResponseWriter, r *http.Request) {
	plugins := reg.Plugins()
	infos := make([]Info, len(plugins))
	for i, p := range plugins {
		infos[i] = p.Info()
	}
	writeJSON(w, http.StatusOK, infos)
}

func (reg *Registry) handleInfo(w http.ResponseWriter, r *http.Request) {
	p, ok := reg.Get(mux.Vars(r)["name"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"code":    http.StatusNotFound,
			"message": http.StatusText(http.StatusNotFound),
			"detail":  "Plugin not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, p.Info())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
