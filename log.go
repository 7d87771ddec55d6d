package nudb

import "github.com/rs/zerolog"

// defaultLogger discards everything; a Store logs nothing unless the
// caller supplies one via WithLogger.
func defaultLogger() zerolog.Logger {
	return zerolog.Nop()
}
