// Package config provides 12-factor configuration for the tracing subsystem.
//
// Configuration is resolved in precedence order: caller-supplied options
// override environment variables, which override an optional YAML or TOML
// config file, which overrides built-in defaults.
//
// Configuration Sections:
//   - Export: queue capacity, worker pool size, retry budget
//   - Timeout: per-trace lifetime and supervisor poll interval
//   - Backend: store transport, endpoint, auth, compression
//   - Logging: built-in logger level and format
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil { ... }
//	fmt.Println(cfg.Export.MaxWorkers)
//
// Environment Variables:
//   - FLOWTRACE_TRACE_TIMEOUT, FLOWTRACE_TIMEOUT_CHECK_INTERVAL
//   - FLOWTRACE_MAX_EXPORT_WORKERS, FLOWTRACE_MAX_QUEUE_SIZE
//   - FLOWTRACE_EXPORT_RETRY_TIMEOUT
//   - FLOWTRACE_BACKEND_URL, FLOWTRACE_BACKEND_TOKEN,
//     FLOWTRACE_BACKEND_TRANSPORT, FLOWTRACE_BACKEND_COMPRESSION
//   - FLOWTRACE_SHUTDOWN_TIMEOUT, FLOWTRACE_CONFIG_FILE
//   - FLOWTRACE_LOG_LEVEL, FLOWTRACE_LOG_DEV
package config
