package slack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

type contextKey string

const commandKey contextKey = "SLACK_COMMAND"

// maxBodyBytes bounds how much of a request is read before verification.
const maxBodyBytes = 64 << 10

// WithCommand attaches a verified command to ctx.
func WithCommand(ctx context.Context, c Command) context.Context {
	return context.WithValue(ctx, commandKey, c)
}

// CommandFromContext returns the command placed by Middleware.
func CommandFromContext(ctx context.Context) (Command, error) {
	v := ctx.Value(commandKey)
	if v == nil {
		return Command{}, errors.New("no slack command in context")
	}
	c, ok := v.(Command)
	if !ok {
		return Command{}, errors.New("invalid slack command type in context")
	}
	return c, nil
}

// Middleware verifies the raw request body before anything parses it and
// hands the decoded command to next through the request context.
func Middleware(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			if err := v.Verify(body, r.Header); err != nil {
				logger.WarnContext(r.Context(), "slack request rejected", "reason", err.Error(), "remote", r.RemoteAddr)
				status := http.StatusUnauthorized
				if errors.Is(err, ErrMalformedHeaders) {
					status = http.StatusBadRequest
				}
				http.Error(w, http.StatusText(status), status)
				return
			}
			cmd, err := ParseCommand(body)
			if err != nil {
				http.Error(w, "invalid form body", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCommand(r.Context(), cmd)))
		})
	}
}
