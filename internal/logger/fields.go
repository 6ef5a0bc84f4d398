package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger through a call chain.
const (
	FieldRequestID = "request_id"
	FieldSessionID = "session_id"
	FieldComponent = "component"
	FieldOperation = "operation"
	FieldStore     = "store"
)

// Metric fields, attached per entry for aggregation and alerting.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldFailed     = "failed"
	FieldStatus     = "status"
	FieldSize       = "size"
)
