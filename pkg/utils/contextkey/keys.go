package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	Language  key = "language"
	Phase     key = "phase"
)

// Keys lists every key the logger extracts, in output order.
var Keys = []key{TraceID, RequestID, Language, Phase}

// Name returns the field name used when logging the key.
func (k key) Name() string {
	return string(k)
}
