package entity

// ErrorKind is the closed taxonomy of gateway failures. Every error that
// crosses a component boundary is classified into exactly one kind; the
// propagation policy (recover locally, fall back, or surface) is a pure
// function of the kind.
type ErrorKind string

const (
	KindNoModelAvailable  ErrorKind = "NO_MODEL_AVAILABLE"
	KindUpstreamNetwork   ErrorKind = "UPSTREAM_NETWORK"
	KindUpstream5xx       ErrorKind = "UPSTREAM_5XX"
	KindUpstream4xx       ErrorKind = "UPSTREAM_4XX"
	KindUpstreamRateLimit ErrorKind = "UPSTREAM_RATE_LIMIT"
	KindProtocolError     ErrorKind = "PROTOCOL_ERROR"
	KindToolTimeout       ErrorKind = "TOOL_TIMEOUT"
	KindToolOutputTooBig  ErrorKind = "TOOL_OUTPUT_TOO_LARGE"
	KindInvalidArguments  ErrorKind = "INVALID_ARGUMENTS"
	KindUnknownTool       ErrorKind = "UNKNOWN_TOOL"
	KindMaxIterations     ErrorKind = "MAX_ITERATIONS"
	KindDeadlineExceeded  ErrorKind = "DEADLINE_EXCEEDED"
	KindClientCanceled    ErrorKind = "CLIENT_CANCELED"
	KindGuardrailBlocked  ErrorKind = "GUARDRAIL_BLOCKED"
	KindInternal          ErrorKind = "INTERNAL"
)

// TripsBreaker reports whether a failure of this kind counts toward the
// circuit breaker for the (provider, model) that produced it. Client-caused
// 4xx never trips the breaker.
func (k ErrorKind) TripsBreaker() bool {
	switch k {
	case KindUpstreamNetwork, KindUpstream5xx, KindUpstreamRateLimit, KindProtocolError:
		return true
	}
	return false
}

// RecoverableInTool reports whether the kind is absorbed as a synthetic
// tool reply so the model can self-correct, instead of failing the request.
func (k ErrorKind) RecoverableInTool() bool {
	switch k {
	case KindInvalidArguments, KindUnknownTool, KindToolTimeout, KindToolOutputTooBig:
		return true
	}
	return false
}
