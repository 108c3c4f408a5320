// Package validation checks configuration values for limiters, schedules
// and the command line tooling, returning *errors.ValidationError values so
// callers get the same message shape everywhere.
package validation
