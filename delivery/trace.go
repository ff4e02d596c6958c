package delivery

import (
	"strings"

	"github.com/rs/zerolog"
)

// traceWriter logs each line of the SMTP conversation. AUTH payloads are
// masked since they carry credentials.
type traceWriter struct {
	logger zerolog.Logger
}

func (w traceWriter) Write(p []byte) (int, error) {
	s := strings.TrimRight(string(p), "\r\n")
	for _, line := range strings.Split(s, "\r\n") {
		if f := strings.Fields(line); len(f) > 2 && strings.EqualFold(f[0], "AUTH") {
			line = f[0] + " " + f[1] + " ***"
		}
		w.logger.Log().Str("line", line).Msg("smtp trace")
	}
	return len(p), nil
}
