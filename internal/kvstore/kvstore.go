// Package kvstore provides the shared NATS JetStream key-value bucket
// helper used by the queue, scheduler, execution store, and delivery
// packages so each does not reimplement get-or-create-bucket handling.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotFound is returned when a key is absent from a bucket.
var ErrNotFound = errors.New("kvstore: key not found")

// BucketSpec describes a bucket to create on demand.
type BucketSpec struct {
	Name        string
	Description string
	History     uint8
}

// GetOrCreate returns the named KV bucket, creating it with the given
// history depth if it does not already exist.
func GetOrCreate(ctx context.Context, js jetstream.JetStream, spec BucketSpec) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, spec.Name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("lookup bucket %s: %w", spec.Name, err)
	}

	history := spec.History
	if history == 0 {
		history = 5
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      spec.Name,
		Description: spec.Description,
		History:     history,
	})
}

// IsNotFound reports whether err indicates a missing KV entry, covering
// both the jetstream sentinel and the string-matched variant older
// server versions return.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// Unwrap translates a jetstream not-found error into ErrNotFound,
// passing any other error through unchanged.
func Unwrap(err error) error {
	if IsNotFound(err) {
		return ErrNotFound
	}
	return err
}
