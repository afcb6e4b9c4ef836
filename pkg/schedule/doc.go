// Package schedule provides the recurrence rules for scheduled ETL tasks.
//
// This package includes:
//   - Schedule interface for defining task schedules
//   - Every() for fixed-interval schedules
//   - Daily() for daily schedules at a specific time
//   - Weekly() for weekly schedules on a specific day and time
//   - Cron() and Parse() for cron expression-based schedules
//
// A schedule is stored as its cron spec, so every Schedule can be rebuilt
// with Parse by whichever worker claims it.
package schedule
