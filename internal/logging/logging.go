// Package logging builds the process logger.
package logging

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the gateway logger writing to stderr. Development builds get
// debug level and human-readable console output; everything else is JSON at
// info level.
func New(appEnv string) zerolog.Logger {
	return NewWithWriter(appEnv, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(appEnv string, w io.Writer) zerolog.Logger {
	dev := isDevelopment(appEnv)

	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "ocr-gateway").
		Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger
}

// Middleware logs one line per HTTP request.
func Middleware(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			l.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func isDevelopment(appEnv string) bool {
	return strings.EqualFold(appEnv, "development") || strings.EqualFold(appEnv, "dev")
}
