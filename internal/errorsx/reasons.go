package errorsx

import "net/http"

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonBackendUnavailable ReasonCode = "backend_unavailable"
	ReasonBackendError       ReasonCode = "backend_error"

	ReasonToolNotFound   ReasonCode = "tool_not_found"
	ReasonInvalidParams  ReasonCode = "invalid_params"
	ReasonCallTimeout    ReasonCode = "call_timeout"
	ReasonNoMatchingTool ReasonCode = "no_matching_tool"

	ReasonMalformedModelOutput ReasonCode = "malformed_model_output"
	ReasonLLMUnavailable       ReasonCode = "llm_unavailable"
)

// HTTPStatus maps a reason to the status the façade answers with.
func HTTPStatus(reason ReasonCode) int {
	switch reason {
	case ReasonBackendUnavailable, ReasonBackendError, ReasonLLMUnavailable:
		return http.StatusBadGateway
	case ReasonToolNotFound:
		return http.StatusNotFound
	case ReasonInvalidParams:
		return http.StatusBadRequest
	case ReasonCallTimeout:
		return http.StatusGatewayTimeout
	case ReasonNoMatchingTool, ReasonMalformedModelOutput:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
