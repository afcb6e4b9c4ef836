// Package queue submits ETL tasks to host-namespaced durable queues.
package queue

import (
	"time"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/security"
)

// Options holds per-submission send options.
type Options struct {
	Priority   int
	MaxRetries int
	ExpireIn   time.Duration
	Delay      time.Duration
	RunAt      *time.Time

	retriesSet bool
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		MaxRetries: DefaultTaskRetries,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Priority sets the task priority (higher = runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// Retries sets the maximum retry count.
// Values are clamped to [0, MaxRetries] (100).
func Retries(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxRetries = security.ClampRetries(n)
		o.retriesSet = true
	})
}

// ExpireIn bounds how long one attempt may run before the worker kills it.
func ExpireIn(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.ExpireIn = d
	})
}

// Delay schedules the task to run after a duration.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At schedules the task to run at a specific time.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// runAt resolves Delay and At; At wins when both are set.
func (o *Options) runAt(now time.Time) *time.Time {
	if o.RunAt != nil {
		return o.RunAt
	}
	if o.Delay > 0 {
		t := now.Add(o.Delay)
		return &t
	}
	return nil
}

func (o *Options) sendOptions(now time.Time) *core.SendOptions {
	return &core.SendOptions{
		Priority:   o.Priority,
		MaxRetries: o.MaxRetries,
		ExpireIn:   o.ExpireIn,
		RunAt:      o.runAt(now),
	}
}

// QueueOptions are fixed when a queue is registered.
type QueueOptions struct {
	// Retries is the default retry count for tasks sent without Retries.
	Retries int
	// ExpireIn is the default attempt timeout for tasks sent without ExpireIn.
	ExpireIn time.Duration
}

// Default values.
var (
	DefaultTaskRetries = 2
)
