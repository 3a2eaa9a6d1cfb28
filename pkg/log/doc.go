// Package log wraps zerolog with a process-global logger and helpers for
// component- and entity-scoped child loggers.
package log
