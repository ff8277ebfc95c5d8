/*
Package log provides structured logging for taskdriver using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

taskdriver's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("queue")                   │          │
	│  │  - WithProjectID("project-abc123")          │          │
	│  │  - WithAgent("agent-xyz")                   │          │
	│  │  - WithTaskID("task-def456")                │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "queue",                    │          │
	│  │    "time": "2026-07-31T10:30:00Z",         │          │
	│  │    "message": "task fetched"                │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF task fetched component=queue   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all taskdriver packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithProjectID: Add project ID context
  - WithAgent: Add agent name context
  - WithTaskID: Add task ID context

# Usage

Initializing the Logger:

	import "github.com/cuemby/taskdriver/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("broker starting")
	log.Debug("checking lease expiry")
	log.Warn("reaper sweep took longer than interval")
	log.Error("failed to connect to storage backend")
	log.Fatal("cannot start without storage backend") // Exits process

Component Loggers:

	// Create component-specific logger
	queueLog := log.WithComponent("queue")
	queueLog.Info().Msg("task created")

	// Multiple context fields
	taskLog := log.WithComponent("reaper").
		With().Str("project_id", "project-abc").
		Str("task_id", "task-123").Logger()
	taskLog.Warn().Msg("lease expired, reclaiming")

Context Logger Helpers:

	// Project-scoped logs
	projectLog := log.WithProjectID("project-abc123")
	projectLog.Info().Msg("task fetched")

	// Agent-scoped logs
	agentLog := log.WithAgent("agent-xyz789")
	agentLog.Info().Msg("lease extended")

	// Task-specific logs
	taskLog := log.WithTaskID("task-def456")
	taskLog.Info().Msg("task completed")

# Integration Points

This package integrates with:

  - pkg/queue: Logs task lifecycle transitions
  - pkg/reaper: Logs lease-expiry sweeps and reclaims
  - pkg/session: Logs session creation and expiry
  - cmd/taskdriverd: Logs server startup and shutdown

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across codebase

# Security

Log Content:
  - Never log secrets or sensitive task variable values
  - Redact tokens, credentials in task Description/Variables before logging
  - Review logs before sharing externally

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
