// Package log builds the slog loggers used by onionfetch.
//
// Every logger is wrapped in a SecureHandler that masks control port
// passwords, authentication cookies, SOCKS credentials and similar values
// before they reach the output, at every level including debug.
//
//	logger := log.New(os.Stderr, log.Options{Verbose: true})
//	logger.Debug("control port", "address", addr, "control_password", pw)
//	// control_password=***REDACTED***
package log
