package engine

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/PragmaticMachineLearning/probly/internal/errinfo"
)

// providerState persists the per-provider enabled flag. A provider is enabled
// unless explicitly disabled; a missing file means all enabled.
type providerState struct {
	path string
	mu   sync.Mutex
	// Disabled providers by id. Enabled is the default, so only
	// disablement is stored.
	disabled map[string]bool
}

type providerStateFile struct {
	Disabled []string `yaml:"disabled"`
}

func newProviderState(path string) *providerState {
	state := &providerState{path: path, disabled: make(map[string]bool)}
	data, err := os.ReadFile(path)
	if err != nil {
		return state
	}
	var file providerStateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return state
	}
	for _, id := range file.Disabled {
		state.disabled[id] = true
	}
	return state
}

func (s *providerState) Enabled(providerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled[providerID]
}

func (s *providerState) SetEnabled(providerID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		delete(s.disabled, providerID)
	} else {
		s.disabled[providerID] = true
	}
	file := providerStateFile{}
	for id := range s.disabled {
		file.Disabled = append(file.Disabled, id)
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (e *Engine) ProvidersSetEnabled(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
		Enabled    bool   `json:"enabled"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseProviders, "invalid params")
	}
	if _, errInfo := e.clientForProvider(req.ProviderID); errInfo != nil {
		return nil, errInfo
	}
	if err := e.providerState.SetEnabled(req.ProviderID, req.Enabled); err != nil {
		return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseProviders, err.Error()), req.ProviderID)
	}
	e.logger.Info("providers.set_enabled", "provider_id", req.ProviderID, "enabled", req.Enabled)
	return map[string]any{}, nil
}
