package coordinator

import (
	"context"

	"github.com/c360studio/taskforge/scheduler"
)

// PutSchedule creates or updates a cron-driven schedule.
func (c *Coordinator) PutSchedule(ctx context.Context, sch scheduler.Schedule) (scheduler.Schedule, error) {
	return c.sched.Put(ctx, sch)
}

// DeleteSchedule removes a schedule.
func (c *Coordinator) DeleteSchedule(ctx context.Context, id string) error {
	return c.sched.Delete(ctx, id)
}

// GetSchedule returns one configured schedule.
func (c *Coordinator) GetSchedule(id string) (scheduler.Schedule, error) {
	return c.sched.Get(id)
}

// ListSchedules returns every configured schedule.
func (c *Coordinator) ListSchedules() []scheduler.Schedule {
	return c.sched.List()
}
