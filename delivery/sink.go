// Package delivery fans out completed Executions to configured sinks
// (file, webhook, database) with independent per-sink retry state
// (spec.md §4.6).
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/taskforge/store"
)

// SinkKind identifies a DeliverySink's variant.
type SinkKind string

const (
	SinkKindFile     SinkKind = "file"
	SinkKindWebhook  SinkKind = "webhook"
	SinkKindDatabase SinkKind = "database"
)

// Filter narrows which completed executions a sink receives. Every
// non-zero field must match (AND semantics); a zero-value Filter matches
// everything. spec.md §3 describes a sink's filter only as "a JSON
// predicate" without a concrete grammar, so this is a typed predicate
// over the fields an operator would plausibly route on, following the
// same typed-Filter shape as queue.Filter and store.Filter rather than
// inventing a JSON expression DSL with no grounding in the pack.
type Filter struct {
	States           []store.State
	TaskFingerprint  string
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e *store.Execution) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if e.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.TaskFingerprint != "" && e.TaskFingerprint != f.TaskFingerprint {
		return false
	}
	return true
}

// RetryPolicy configures a sink's delivery backoff. When the sink is
// registered, a zero MaxAttempts falls back to the pipeline's
// DefaultRetryMaxAttempts, and a zero Base or Max to 30s or 1h.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// FileParams configures a file sink.
type FileParams struct {
	// PathTemplate is rendered against the Execution to produce the
	// destination path (text/template).
	PathTemplate string
	Append       bool
}

// WebhookParams configures a webhook sink.
type WebhookParams struct {
	URL           string
	Method        string
	Headers       map[string]string
	BodyTemplate  string
	Timeout       time.Duration
	SigningSecret string // HMAC key for the JWS signature header; empty disables signing
}

// DatabaseParams configures a database sink. Per DESIGN.md's Open
// Question resolution, this repository's reference "database" is a
// JetStream KV bucket (no SQL driver in the teacher's dependency
// closure); Bucket names the KV bucket a row is written into, keyed by
// execution id.
type DatabaseParams struct {
	Bucket string
}

// Config is one configured DeliverySink (spec.md §3 DeliverySink entity).
type Config struct {
	ID      string          `json:"id"`
	Kind    SinkKind        `json:"kind"`
	File    *FileParams     `json:"file,omitempty"`
	Webhook *WebhookParams  `json:"webhook,omitempty"`
	Database *DatabaseParams `json:"database,omitempty"`
	Retry   RetryPolicy     `json:"retry"`
	Filter  Filter          `json:"filter"`
	Enabled bool            `json:"enabled"`
}

// Sink is the tagged-variant operation set every sink kind implements
// (spec.md §9 "new kinds are added by extending the variant").
type Sink interface {
	ID() string
	Deliver(ctx context.Context, e *store.Execution) error
}

// ErrDeliveryDead is wrapped by a sink's Deliver to mark a failure as
// non-retryable (e.g. webhook 4xx other than 429), matching the
// DeliveryFailure{dead} taxonomy kind in spec.md §7.
var ErrDeliveryDead = errors.New("delivery: non-retryable failure")
