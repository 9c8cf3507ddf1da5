// Package engine orchestrates the two-phase chat protocol between the
// spreadsheet host and the model providers: selection, analysis, tool
// dispatch, sandbox execution, and cancellation.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PragmaticMachineLearning/probly/internal/anthropic"
	"github.com/PragmaticMachineLearning/probly/internal/appdirs"
	"github.com/PragmaticMachineLearning/probly/internal/envutil"
	"github.com/PragmaticMachineLearning/probly/internal/errinfo"
	"github.com/PragmaticMachineLearning/probly/internal/llm"
	"github.com/PragmaticMachineLearning/probly/internal/logging"
	"github.com/PragmaticMachineLearning/probly/internal/openai"
	"github.com/PragmaticMachineLearning/probly/internal/sandbox"
	"github.com/PragmaticMachineLearning/probly/internal/secrets"
	"github.com/PragmaticMachineLearning/probly/internal/settings"
)

const (
	EngineVersion = "0.1.0"
	APIVersion    = "1"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const (
	defaultOpenAIModel    = "gpt-5"
	defaultAnthropicModel = "claude-sonnet-4-5"
)

type Notifier func(method string, params any)

// LLMClient is the provider contract. StreamChatWithTools may deliver the
// whole message as a single delta; the controller treats both the same.
type LLMClient interface {
	ValidateKey(ctx context.Context, apiKey string) error
	Chat(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error)
	ChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool, choice llm.ToolChoice) (llm.ChatResponse, error)
	StreamChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool, choice llm.ToolChoice, onDelta func(string)) (llm.ChatResponse, error)
}

type runHandle struct {
	turnID string
	cancel context.CancelFunc
}

type Engine struct {
	dataDir       string
	settings      *settings.Store
	secrets       *secrets.Store
	providers     map[string]LLMClient
	providerState *providerState
	sandboxes     sandbox.Factory
	conversations *conversationStore
	notify        Notifier
	logger        *slog.Logger
	now           func() time.Time

	runMu sync.Mutex
	runs  map[string]runHandle
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSandboxFactory substitutes the sandbox implementation, used by tests.
func WithSandboxFactory(factory sandbox.Factory) Option {
	return func(e *Engine) {
		if factory != nil {
			e.sandboxes = factory
		}
	}
}

// WithProvider overrides one provider client, used by tests.
func WithProvider(providerID string, client LLMClient) Option {
	return func(e *Engine) {
		if e.providers == nil {
			e.providers = make(map[string]LLMClient)
		}
		e.providers[providerID] = client
	}
}

func New(opts ...Option) (*Engine, error) {
	engine := &Engine{logger: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(engine)
	}
	overrides := engine.providers
	dataDir, err := appdirs.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	providers := map[string]LLMClient{
		ProviderOpenAI:    openai.NewClient(),
		ProviderAnthropic: anthropic.NewClient(),
	}
	if envutil.Bool("PROBLY_FAKE_LLM") {
		fake := NewFakeLLM()
		for id := range providers {
			providers[id] = fake
		}
	}
	for id, client := range overrides {
		providers[id] = client
	}
	if engine.sandboxes == nil {
		engine.sandboxes = sandbox.NewManager(appdirs.SandboxDir(dataDir), engine.logger.With("component", "sandbox"))
	}
	engine.dataDir = dataDir
	engine.settings = settings.NewStore(filepath.Join(dataDir, "settings.yaml"))
	engine.secrets = secrets.NewStore(filepath.Join(dataDir, "secrets.enc"), filepath.Join(dataDir, "master.key"))
	engine.providers = providers
	engine.providerState = newProviderState(filepath.Join(dataDir, "providers.yaml"))
	engine.conversations = newConversationStore()
	engine.runs = make(map[string]runHandle)
	engine.logger.Debug("engine.init", "data_dir", dataDir, "fake_llm", envutil.Bool("PROBLY_FAKE_LLM"))
	return engine, nil
}

func (e *Engine) SetNotifier(notify Notifier) {
	e.notify = notify
}

func (e *Engine) EngineGetInfo(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"engine_version": EngineVersion,
		"api_version":    APIVersion,
	}, nil
}

func (e *Engine) ProvidersGetStatus(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	status := []map[string]any{}
	providers := []struct {
		id           string
		name         string
		defaultModel string
	}{
		{ProviderOpenAI, "OpenAI", defaultOpenAIModel},
		{ProviderAnthropic, "Anthropic", defaultAnthropicModel},
	}
	for _, provider := range providers {
		key, err := e.secrets.GetProviderKey(provider.id)
		if err != nil {
			return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseProviders, err.Error()), provider.id)
		}
		status = append(status, map[string]any{
			"provider_id":   provider.id,
			"display_name":  provider.name,
			"default_model": provider.defaultModel,
			"configured":    strings.TrimSpace(key) != "",
			"enabled":       e.providerState.Enabled(provider.id),
		})
	}
	return map[string]any{"providers": status}, nil
}

func (e *Engine) ProvidersSetApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
		APIKey     string `json:"api_key"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseProviders, "invalid params")
	}
	if _, errInfo := e.clientForProvider(req.ProviderID); errInfo != nil {
		return nil, errInfo
	}
	e.logger.Debug("providers.set_api_key", "provider_id", req.ProviderID, "api_key", logging.RedactValue(req.APIKey))
	if err := e.secrets.SetProviderKey(req.ProviderID, strings.TrimSpace(req.APIKey)); err != nil {
		return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseProviders, err.Error()), req.ProviderID)
	}
	return map[string]any{}, nil
}

func (e *Engine) ProvidersClearApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseProviders, "invalid params")
	}
	if err := e.secrets.ClearProviderKey(req.ProviderID); err != nil {
		return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseProviders, err.Error()), req.ProviderID)
	}
	return map[string]any{}, nil
}

func (e *Engine) ProvidersValidate(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseProviders, "invalid params")
	}
	e.logger.Debug("providers.validate", "provider_id", req.ProviderID)
	client, errInfo := e.clientForProvider(req.ProviderID)
	if errInfo != nil {
		return nil, errInfo
	}
	key, errInfo := e.providerKey(req.ProviderID)
	if errInfo != nil {
		return nil, errInfo
	}
	if err := client.ValidateKey(ctx, key); err != nil {
		return nil, mapLLMError(errinfo.PhaseProviders, req.ProviderID, err)
	}
	return map[string]any{"ok": true}, nil
}

func withProviderID(info *errinfo.ErrorInfo, providerID string) *errinfo.ErrorInfo {
	if info == nil {
		return nil
	}
	copied := *info
	copied.ProviderID = providerID
	return &copied
}

func (e *Engine) clientForProvider(providerID string) (LLMClient, *errinfo.ErrorInfo) {
	client, ok := e.providers[providerID]
	if !ok {
		return nil, withProviderID(errinfo.ValidationFailed(errinfo.PhaseProviders, "unsupported provider"), providerID)
	}
	return client, nil
}

func (e *Engine) providerKey(providerID string) (string, *errinfo.ErrorInfo) {
	if !e.providerState.Enabled(providerID) {
		return "", withProviderID(errinfo.ProviderNotConfigured(errinfo.PhaseProviders), providerID)
	}
	key, err := e.secrets.GetProviderKey(providerID)
	if err != nil {
		return "", withProviderID(errinfo.ValidationFailed(errinfo.PhaseProviders, err.Error()), providerID)
	}
	if strings.TrimSpace(key) == "" {
		return "", withProviderID(errinfo.ProviderNotConfigured(errinfo.PhaseProviders), providerID)
	}
	return key, nil
}

func defaultModelForProvider(providerID string) string {
	switch providerID {
	case ProviderAnthropic:
		return defaultAnthropicModel
	default:
		return defaultOpenAIModel
	}
}

// beginRun installs the per-session cancellation handle. One run per session;
// a second concurrent request is rejected, not queued.
func (e *Engine) beginRun(ctx context.Context, sessionID, turnID string) (context.Context, context.CancelFunc, *errinfo.ErrorInfo) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if _, busy := e.runs[sessionID]; busy {
		return nil, nil, errinfo.SessionBusy(sessionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runs[sessionID] = runHandle{turnID: turnID, cancel: cancel}
	return runCtx, cancel, nil
}

func (e *Engine) endRun(sessionID string) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if handle, ok := e.runs[sessionID]; ok {
		handle.cancel()
		delete(e.runs, sessionID)
	}
}

func (e *Engine) ChatCancelRun(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "invalid params")
	}
	e.runMu.Lock()
	handle, ok := e.runs[req.SessionID]
	e.runMu.Unlock()
	if !ok {
		return map[string]any{"canceled": false}, nil
	}
	e.logger.Info("chat.cancel", "session_id", req.SessionID, "turn_id", handle.turnID)
	handle.cancel()
	return map[string]any{"canceled": true}, nil
}
