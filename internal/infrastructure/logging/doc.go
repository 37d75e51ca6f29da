// Package logging provides structured logging for Meshgate.
//
// It wraps the standard library's log/slog with configuration-driven
// format and level selection and default service fields. Domain packages
// do not import this package directly; they accept a narrow Logger
// interface so tests can substitute a no-op implementation.
//
// # Usage
//
//	log := logging.New(cfg.Logging, version)
//	log.Info("bridge started", "root_topic", cfg.Gateway.Topic)
//
//	coordLog := log.With("component", "coordinator")
package logging
