// Package metrics exports queue activity as Prometheus metrics.
//
// A Collector subscribes to a queue's observer stream for task outcomes and
// periodically snapshots job counts per queue and status.
package metrics
