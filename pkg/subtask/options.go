package subtask

import "time"

// Option configures RunAll.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	strategy       Strategy
	threshold      float64
	limit          int
	totalTimeout   time.Duration
	subtaskTimeout time.Duration
}

func defaultConfig() *config {
	return &config{
		strategy:  StrategyFailFast,
		threshold: 1.0,
	}
}

// FailFast fails the fan-out on the first subtask failure.
func FailFast() Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyFailFast
	})
}

// CollectAll waits for all subtasks and returns partial results.
func CollectAll() Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyCollectAll
	})
}

// Threshold succeeds if at least pct (0..1) of the subtasks succeed.
func Threshold(pct float64) Option {
	return optionFunc(func(c *config) {
		c.strategy = StrategyThreshold
		c.threshold = pct
	})
}

// Limit caps how many subtasks are awaited at once. 0 means no limit.
func Limit(n int) Option {
	return optionFunc(func(c *config) {
		c.limit = n
	})
}

// WithTimeout bounds the whole fan-out.
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.totalTimeout = d
	})
}

// WithSubtaskTimeout bounds the wait for each subtask.
func WithSubtaskTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.subtaskTimeout = d
	})
}
