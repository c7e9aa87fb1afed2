// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Request scoped loggers (for example one carrying a
// trace_id taken from an HTTP header) travel through context.Context so
// that the sandbox can attach its run_id to the same logger.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	ctx = logger.IntoContext(ctx, log.With(zap.String(logger.FieldTraceID, id)))
package logger
