package errinfo

// ErrorInfo is the structured error payload attached to every failed RPC
// response. Recoverable degradations (selection fallback, sandbox timeout)
// are not errors and never produce one of these.
type ErrorInfo struct {
	ErrorCode  string   `json:"error_code"`
	Phase      string   `json:"phase,omitempty"`
	Subphase   string   `json:"subphase,omitempty"`
	Retryable  bool     `json:"retryable"`
	Actions    []string `json:"actions,omitempty"`
	ProviderID string   `json:"provider_id,omitempty"`
	ModelID    string   `json:"model_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

const (
	CodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	CodeProviderAuthFailed    = "PROVIDER_AUTH_FAILED"
	CodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeNetworkUnavailable    = "NETWORK_UNAVAILABLE"
	CodeEgressBlocked         = "EGRESS_BLOCKED_BY_POLICY"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeDocumentTooLarge      = "DOCUMENT_TOO_LARGE"
	CodeSandboxUnavailable    = "SANDBOX_UNAVAILABLE"
	CodeSessionBusy           = "SESSION_BUSY"
	CodeUserCanceled          = "USER_CANCELED"
)

const (
	ActionRetry        = "retry"
	ActionOpenSettings = "open_settings"
)

const (
	PhaseSelect    = "select"
	PhaseAnalyze   = "analyze"
	PhaseDispatch  = "dispatch"
	PhaseSandbox   = "sandbox"
	PhaseProviders = "providers"
	PhaseSession   = "session"
)

const (
	SubphaseStream       = "stream"
	SubphaseToolElection = "tool_election"
	SubphaseExecute      = "execute"
)

func ProviderNotConfigured(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderNotConfigured,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
	}
}

func ProviderAuthFailed(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderAuthFailed,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
	}
}

func ProviderUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func NetworkUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeNetworkUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func EgressBlocked(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEgressBlocked,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func DocumentTooLarge(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeDocumentTooLarge,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func SandboxUnavailable(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSandboxUnavailable,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func SessionBusy(sessionID string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSessionBusy,
		Phase:     PhaseSession,
		Retryable: true,
		Actions:   []string{ActionRetry},
		SessionID: sessionID,
	}
}

func UserCanceled(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUserCanceled,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}
