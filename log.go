package tinyweb

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerFieldName = "C"
	zerolog.MessageFieldName = "M"
	zerolog.LevelFieldName = "L"
	zerolog.ErrorFieldName = "E"
	zerolog.TimestampFieldName = "T"
	zerolog.ErrorStackFieldName = "S"
}

var defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

func (s *Server) logger() *zerolog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return &defaultLogger
}

// quietServeError reports whether err is routine peer noise not worth a log
// line: resets, truncated requests and the like.
func quietServeError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"broken pipe",
		"reset by peer",
		"unexpected EOF",
		"i/o timeout",
		"use of closed network connection",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

