// Package modelconfig holds the per-model upstream endpoints.
//
// A Snapshot is immutable once built. Holder publishes the current snapshot
// through an atomic pointer, so a request that read a snapshot keeps using it
// even if the file is reloaded or saved while the request is in flight.
package modelconfig

import (
	"sort"
	"strings"
	"time"
)

// Endpoint is the upstream API of one model.
type Endpoint struct {
	APIURL string `json:"api_url" mapstructure:"api_url"`
	APIKey string `json:"api_key" mapstructure:"api_key"`
}

// Configured reports whether both the URL and the key are set.
func (e Endpoint) Configured() bool {
	return strings.TrimSpace(e.APIURL) != "" && strings.TrimSpace(e.APIKey) != ""
}

// MaskedEndpoint is the view of an Endpoint safe to hand to clients.
type MaskedEndpoint struct {
	APIURL    string `json:"api_url"`
	APIKeySet bool   `json:"api_key_set"`
}

type Snapshot struct {
	endpoints map[string]Endpoint
	loadedAt  time.Time
}

// NewSnapshot copies endpoints into a new snapshot. Model names are case-insensitive.
func NewSnapshot(endpoints map[string]Endpoint) *Snapshot {
	s := &Snapshot{
		endpoints: make(map[string]Endpoint, len(endpoints)),
		loadedAt:  time.Now(),
	}
	for model, ep := range endpoints {
		s.endpoints[strings.ToLower(model)] = ep
	}
	return s
}

// Endpoint returns the endpoint of model, if any.
func (s *Snapshot) Endpoint(model string) (Endpoint, bool) {
	ep, ok := s.endpoints[strings.ToLower(model)]
	return ep, ok
}

// Models returns the configured model names, sorted.
func (s *Snapshot) Models() []string {
	models := make([]string, 0, len(s.endpoints))
	for model := range s.endpoints {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Masked returns every endpoint with the API key replaced by a presence flag.
func (s *Snapshot) Masked() map[string]MaskedEndpoint {
	out := make(map[string]MaskedEndpoint, len(s.endpoints))
	for model, ep := range s.endpoints {
		out[model] = MaskedEndpoint{
			APIURL:    ep.APIURL,
			APIKeySet: ep.APIKey != "",
		}
	}
	return out
}

func (s *Snapshot) clone() map[string]Endpoint {
	out := make(map[string]Endpoint, len(s.endpoints))
	for model, ep := range s.endpoints {
		out[model] = ep
	}
	return out
}
