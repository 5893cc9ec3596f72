package models

// ErrorKind classifies a failure for retry and reporting decisions.
type ErrorKind string

const (
	// ErrorKindBuild covers cycle detection, invalid connections and compile
	// failures. Fatal, reported at execution creation, never retried.
	ErrorKindBuild ErrorKind = "build_error"
	// ErrorKindExpression is a template resolution failure. Fatal to the
	// step, never retried.
	ErrorKindExpression ErrorKind = "expression_error"
	// ErrorKindCompute is a dispatch-layer failure on the local runner.
	ErrorKindCompute ErrorKind = "compute_error"
	// ErrorKindRPC is a dispatch-layer failure on a remote node.
	ErrorKindRPC ErrorKind = "rpc_error"
	// ErrorKindPool is a dispatch-layer failure in an elastic worker pool.
	ErrorKindPool ErrorKind = "pool_error"
	// ErrorKindTimeout means the step's timeout budget was exceeded,
	// regardless of which suspension point blew it.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindBusiness is a failure the step's executor reported itself.
	ErrorKindBusiness ErrorKind = "business_error"
)

// Retryable reports whether failures of this kind may be retried when the
// step's retry policy allows it.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindCompute, ErrorKindRPC, ErrorKindPool, ErrorKindTimeout, ErrorKindBusiness:
		return true
	default:
		return false
	}
}

// ErrorRecord is the normalized error shape persisted with executions and
// step executions.
type ErrorRecord struct {
	Kind    ErrorKind      `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorRecord) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewErrorRecord builds an error record from a kind and message.
func NewErrorRecord(kind ErrorKind, message string) *ErrorRecord {
	return &ErrorRecord{Kind: kind, Message: message}
}
