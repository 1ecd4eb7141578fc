// Package workerproto defines the wire-stable protocol spoken between the
// coordinator process and isolated worker subprocesses over stdin/stdout.
// It is deliberately dependency-free beyond the standard library: the
// framing must be reproducible by worker binaries written in any
// language, not just by Go code that can import this module.
package workerproto

// ProtocolVersion is the single source of truth for wire compatibility.
// Any incompatible change to message shapes increments this. The version
// travels only in Hello: the reference worker exits on a Hello whose
// version it does not recognize, which fails the parent's handshake.
// HelloAck carries no version, so the parent checks none.
const ProtocolVersion = 1

// Kind discriminates message payloads exchanged over the framed channel.
type Kind string

const (
	KindHello     Kind = "hello"
	KindHelloAck  Kind = "hello_ack"
	KindExecute   Kind = "execute"
	KindCancel    Kind = "cancel"
	KindProgress  Kind = "progress"
	KindLog       Kind = "log"
	KindResult    Kind = "result"
	KindHeartbeat Kind = "heartbeat"
)

// Envelope is the outer shape every frame carries; the caller re-decodes
// the whole raw frame into the concrete message type once Kind is known.
type Envelope struct {
	Kind Kind `json:"kind"`
}

// Hello is written by the parent to the worker's stdin immediately on
// spawn; the worker replies with HelloAck on its stdout within the
// handshake timeout.
type Hello struct {
	Kind            Kind     `json:"kind"`
	ProtocolVersion uint     `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
}

// HelloAck is the worker's reply to Hello, reporting its own id.
type HelloAck struct {
	Kind     Kind   `json:"kind"`
	WorkerID string `json:"worker_id"`
}

// TaskDescriptor carries the fields a worker needs to execute a task
// without consulting the registry itself.
type TaskDescriptor struct {
	Fingerprint  string          `json:"fingerprint"`
	SourceCode   string          `json:"source_code"`
	InputSchema  map[string]any  `json:"input_schema"`
	OutputSchema map[string]any  `json:"output_schema"`
}

// Limits carries the resource caps the worker should self-enforce in
// addition to whatever the parent enforces from the outside.
type Limits struct {
	WallMS     int64 `json:"wall_ms"`
	MemBytes   int64 `json:"mem_bytes"`
	OutputBytes int64 `json:"output_bytes"`
}

// Execute dispatches one task execution to the worker.
type Execute struct {
	Kind          Kind           `json:"kind"`
	CorrelationID uint64         `json:"correlation_id"`
	Task          TaskDescriptor `json:"task"`
	Input         any            `json:"input"`
	Limits        Limits         `json:"limits"`
	Trace         bool           `json:"trace"`
}

// Cancel asks the worker to abort an in-flight execution.
type Cancel struct {
	Kind          Kind   `json:"kind"`
	CorrelationID uint64 `json:"correlation_id"`
}

// Progress reports incremental status for an in-flight execution.
type Progress struct {
	Kind          Kind    `json:"kind"`
	CorrelationID uint64  `json:"correlation_id"`
	Phase         string  `json:"phase"`
	Pct           float64 `json:"pct"`
	Message       string  `json:"message,omitempty"`
}

// LogRecord is a structured log line emitted by the task body, forwarded
// upstream for observability. CorrelationID is absent for worker-level
// (not execution-level) log lines.
type LogRecord struct {
	Kind          Kind           `json:"kind"`
	CorrelationID *uint64        `json:"correlation_id,omitempty"`
	Level         string         `json:"level"`
	Fields        map[string]any `json:"fields"`
}

// StructuredError is the shape of a task-reported failure (kind
// ExecutionError in the error taxonomy).
type StructuredError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Result is the single terminal reply to an Execute.
type Result struct {
	Kind          Kind             `json:"kind"`
	CorrelationID uint64           `json:"correlation_id"`
	OK            any              `json:"ok,omitempty"`
	Err           *StructuredError `json:"err,omitempty"`
}

// Heartbeat is exchanged in both directions to detect a hung peer.
type Heartbeat struct {
	Kind Kind `json:"kind"`
}
