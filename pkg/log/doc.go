/*
Package log provides structured logging for the agent using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all agent packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs (e.g. "syncer", "authn", "mqtt")
  - WithDeviceID: Add device_id context
  - WithDeploymentID: Add deployment_id context

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("agent starting")

	syncLog := log.WithComponent("syncer")
	syncLog.Info().Str("device_id", deviceID).Msg("sync started")

# Integration Points

internal/app, internal/config and cmd/agent call this package directly.
internal/app builds component loggers with WithComponent and hands them as
zerolog.Logger values to internal/syncer, internal/authn, internal/cache,
internal/mqttworker, internal/controlserver and internal/tokenrefresh, which
do not import this package themselves.

# Security

Log Content:
  - Never log bearer tokens, RSA key material, or challenge signatures
  - Use structured fields (.Str, .Int) rather than string interpolation for any
    value that originates from the control plane or an MQTT payload
*/
package log
