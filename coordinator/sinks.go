package coordinator

import (
	"context"

	"github.com/c360studio/taskforge/delivery"
)

// PutSink registers or updates a delivery sink.
func (c *Coordinator) PutSink(ctx context.Context, cfg delivery.Config) (delivery.Config, error) {
	return c.delivery.PutSink(ctx, cfg)
}

// DeleteSink removes a delivery sink.
func (c *Coordinator) DeleteSink(ctx context.Context, id string) error {
	return c.delivery.DeleteSink(ctx, id)
}

// ListSinks returns every configured delivery sink.
func (c *Coordinator) ListSinks() []delivery.Config {
	return c.delivery.ListSinks()
}
