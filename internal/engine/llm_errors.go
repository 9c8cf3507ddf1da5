package engine

import (
	"context"
	"errors"
	"net"

	"github.com/PragmaticMachineLearning/probly/internal/errinfo"
	"github.com/PragmaticMachineLearning/probly/internal/llm"
)

func mapLLMError(phase, providerID string, err error) *errinfo.ErrorInfo {
	if errors.Is(err, llm.ErrUnauthorized) {
		return withProviderID(errinfo.ProviderAuthFailed(phase), providerID)
	}
	if errors.Is(err, llm.ErrEgressBlocked) {
		return withProviderID(errinfo.EgressBlocked(phase, "provider endpoint not allowed"), providerID)
	}
	if errors.Is(err, llm.ErrUnavailable) || errors.Is(err, llm.ErrRateLimited) {
		return withProviderID(errinfo.ProviderUnavailable(phase, err.Error()), providerID)
	}
	if errors.Is(err, context.Canceled) {
		return withProviderID(errinfo.UserCanceled(phase, err.Error()), providerID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return withProviderID(errinfo.NetworkUnavailable(phase, err.Error()), providerID)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return withProviderID(errinfo.NetworkUnavailable(phase, err.Error()), providerID)
	}
	return withProviderID(errinfo.ValidationFailed(phase, err.Error()), providerID)
}
