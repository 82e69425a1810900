package connector

import (
	"sort"
	"sync"

	"github.com/hookline/hookline/pkg/schema"
)

// AppInfo is a summary of a registered app for listing.
type AppInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Triggers    int    `json:"triggers"`
	Actions     int    `json:"actions"`
}

// Registry is the thread-safe catalog of available apps, keyed by app id.
// New integrations register themselves; the execution core dispatches through
// the registry and never switches on concrete app types.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*App
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]*App)}
}

// Register adds an app to the registry. Returns an error on duplicate id.
func (r *Registry) Register(app *App) error {
	if app == nil {
		return schema.NewError(schema.ErrCodeValidation, "app is nil")
	}
	if app.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "app id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[app.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "app %q already registered", app.ID)
	}

	r.apps[app.ID] = app
	return nil
}

// Find retrieves an app by id.
func (r *Registry) Find(id string) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.apps[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "app %q not registered", id)
	}
	return app, nil
}

// Has checks if an app is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.apps[id]
	return ok
}

// List returns info for all registered apps, sorted by id.
func (r *Registry) List() []AppInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AppInfo, 0, len(r.apps))
	for _, a := range r.apps {
		infos = append(infos, AppInfo{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Triggers:    len(a.Triggers),
			Actions:     len(a.Actions),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Count returns the number of registered apps.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}
