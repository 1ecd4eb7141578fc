// Package scheduler materializes cron-driven Schedules into Jobs on the
// queue, deterministically and without duplication (spec.md §4.4).
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a cron-driven trigger that materializes Jobs on the queue
// (spec.md §3).
type Schedule struct {
	ID                 string    `json:"id"`
	TaskRef            string    `json:"task_ref"`
	CronExpr           string    `json:"cron_expr"`
	InputTemplate      string    `json:"input_template,omitempty"`
	Enabled            bool      `json:"enabled"`
	LastMaterializedAt time.Time `json:"last_materialized_at,omitempty"`
	NextFireAt         time.Time `json:"next_fire_at"`

	// rev is the KV revision last observed for this row.
	rev uint64 `json:"-"`
}

// ErrNotFound is returned when a schedule id does not exist.
var ErrNotFound = errors.New("scheduler: schedule not found")

// ErrInvalidCron is returned when a schedule's cron_expr does not parse.
var ErrInvalidCron = errors.New("scheduler: invalid cron expression")

// parser is the standard five-field cron parser (minute hour dom month
// dow), matching spec.md §4.4's examples ("* * * * *"), plus descriptor
// shorthands ("@every 1h", "@daily") for operator convenience.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// parseCron parses expr with the standard five-field grammar.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}
