// Package log provides structured logging for Axis built on zerolog.
//
// Components take a child logger via WithComponent and attach job, step and
// gear ids with the other helpers, so every line of a job's lifecycle can be
// filtered by job_id.
package log
