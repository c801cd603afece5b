package application

import "github.com/rs/zerolog"

func loggerOrNop(logger *zerolog.Logger) zerolog.Logger {
	if logger == nil {
		return zerolog.Nop()
	}

	return *logger
}
