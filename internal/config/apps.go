package config

import "sync"

// App is a resolved application entry: the upstream key plus the
// per-app switches handlers consult.
type App struct {
	ID                 string
	Name               string
	APIKey             string
	Domain             string
	SuggestAfterAnswer bool
}

// Registry maps inbound app ids to upstream API keys. Lookups may run
// concurrently with Replace; a reload swaps the whole table at once.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]App
}

// NewRegistry builds a Registry from the apps section of a Config.
func NewRegistry(apps map[string]AppConfig) *Registry {
	r := &Registry{}
	r.Replace(apps)
	return r
}

// Lookup returns the app registered under id.
func (r *Registry) Lookup(id string) (App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[id]
	return app, ok
}

// Replace installs a new app table.
func (r *Registry) Replace(apps map[string]AppConfig) {
	table := make(map[string]App, len(apps))
	for id, a := range apps {
		table[id] = App{
			ID:                 id,
			Name:               a.Name,
			APIKey:             a.APIKey,
			Domain:             a.Domain,
			SuggestAfterAnswer: a.SuggestAfterAnswer,
		}
	}

	r.mu.Lock()
	r.apps = table
	r.mu.Unlock()
}

// Len reports how many apps are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}
