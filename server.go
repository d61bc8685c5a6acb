package meetbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Seann-Moser/meetbot/logging"
	"github.com/Seann-Moser/meetbot/oauth/oclient"
	"github.com/Seann-Moser/meetbot/ratelimit"
	"github.com/Seann-Moser/meetbot/slack"
	"github.com/Seann-Moser/meetbot/user"
	"github.com/Seann-Moser/meetbot/utils"
	"github.com/crazy3lf/colorconv"
	"github.com/gorilla/mux"
	"github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"
)

const (
	healthPath   = "/health"
	commandsPath = "/slack/commands"
	authPrefix   = "/auth/google"
	callbackPath = "/auth/google/callback"
	qrPath       = "/auth/google/qr"

	serviceName = "meetbot"
)

// Authorizer completes the browser half of an authorization.
type Authorizer interface {
	Callback(ctx context.Context, code, state string) (user.ChatUser, error)
	Abandon(ctx context.Context, state string) error
	AuthorizationURL(ctx context.Context, state string) (string, error)
}

type Server struct {
	bot      *Bot
	verifier *slack.Verifier
	auth     Authorizer
	users    user.Store

	authLimiter *ratelimit.Limiter
	logger      *slog.Logger
	now         func() time.Time
}

type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuthLimiter throttles the callback and QR endpoints per client address.
func WithAuthLimiter(l *ratelimit.Limiter) ServerOption {
	return func(s *Server) {
		s.authLimiter = l
	}
}

func NewServer(bot *Bot, verifier *slack.Verifier, auth Authorizer, users user.Store, opts ...ServerOption) *Server {
	s := &Server{
		bot:      bot,
		verifier: verifier,
		auth:     auth,
		users:    users,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router wires every endpoint the bot serves.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.AccessLog, SecurityHeaders)

	r.HandleFunc(healthPath, s.Health).Methods(http.MethodGet)
	r.Handle(commandsPath, slack.Middleware(s.verifier, s.logger)(http.HandlerFunc(s.SlashCommand))).Methods(http.MethodPost)

	auth := r.PathPrefix(authPrefix).Subrouter()
	auth.Use(s.rateLimit)
	auth.HandleFunc(strings.TrimPrefix(callbackPath, authPrefix), s.Callback).Methods(http.MethodGet)
	auth.HandleFunc(strings.TrimPrefix(qrPath, authPrefix), s.QRCode).Methods(http.MethodGet)
	return r
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) SlashCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := slack.CommandFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing command")
		return
	}
	res := s.bot.Handle(r.Context(), cmd)
	if err := res.SlackResponse().Write(w); err != nil {
		logging.Logger(r.Context(), s.logger).ErrorContext(r.Context(), "failed to write slack response", "error", err)
	}
}

// Callback is where Google sends the browser after the consent screen.
func (s *Server) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.Logger(ctx, s.logger).With("component", "server", "operation", "callback")
	q := r.URL.Query()
	state := q.Get("state")

	if denied := q.Get("error"); denied != "" {
		if state != "" {
			if err := s.auth.Abandon(ctx, state); err != nil {
				logger.WarnContext(ctx, "failed to abandon authorization", "error", err)
			}
		}
		logger.InfoContext(ctx, "authorization declined", "reason", denied)
		writePage(w, http.StatusBadRequest, errorPage("Authorization was cancelled. Run /meet-auth in Slack to try again."))
		return
	}

	owner, err := s.auth.Callback(ctx, q.Get("code"), state)
	if err != nil {
		status, message := callbackFailure(err)
		writePage(w, status, errorPage(message))
		return
	}
	if err := s.users.Touch(ctx, owner, "", s.now()); err != nil {
		logger.WarnContext(ctx, "failed to touch user", "error", err, "user", owner.Key())
	}
	writePage(w, http.StatusOK, successPage)
}

func callbackFailure(err error) (int, string) {
	switch {
	case errors.Is(err, oclient.ErrInvalidState):
		return http.StatusBadRequest, "Invalid authentication state"
	case errors.Is(err, oclient.ErrReauthorizationRequired):
		return http.StatusBadRequest, "Invalid authorization code"
	case errors.Is(err, oclient.ErrTemporarilyUnavailable):
		return http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again later."
	case errors.Is(err, oclient.ErrStoreUnavailable):
		return http.StatusInternalServerError, "Failed to store authentication"
	}
	return http.StatusInternalServerError, "Authentication failed"
}

// QRCode renders the pending consent URL for state as a PNG, so the flow can be
// finished on a phone. Showing it does not consume the flow.
func (s *Server) QRCode(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.auth.AuthorizationURL(r.Context(), r.URL.Query().Get("state"))
	if errors.Is(err, oclient.ErrInvalidState) {
		writeError(w, http.StatusNotFound, "Unknown or expired authorization")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Authorization lookup failed")
		return
	}

	c, err := colorconv.HexToColor("#69676e")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Invalid qrcode")
		return
	}
	png, err := CreateQRCode(authURL,
		standard.WithFgColor(c),
		standard.WithQRWidth(8),
		standard.WithBorderWidth(20),
	)
	if err != nil {
		logging.Logger(r.Context(), s.logger).ErrorContext(r.Context(), "failed to render qr code", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate QRCode")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type bufferCloser struct {
	*bytes.Buffer
}

func (bufferCloser) Close() error { return nil }

// CreateQRCode encodes content as a PNG image.
func CreateQRCode(content string, imgOptions ...standard.ImageOption) ([]byte, error) {
	qrCode, err := qrcode.NewWith(content,
		qrcode.WithEncodingMode(qrcode.EncModeByte),
		qrcode.WithErrorCorrectionLevel(qrcode.ErrorCorrectionQuart),
	)
	if err != nil {
		return nil, err
	}
	buf := bufferCloser{Buffer: new(bytes.Buffer)}
	opts := append([]standard.ImageOption{standard.WithBuiltinImageEncoder(standard.PNG_FORMAT)}, imgOptions...)
	if err := qrCode.Save(standard.NewWithWriter(buf, opts...)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authLimiter.Allow(utils.ClientIP(r)) {
			logging.Logger(r.Context(), s.logger).WarnContext(r.Context(), "auth rate limit exceeded", "path", r.URL.Path)
			writePage(w, http.StatusTooManyRequests, errorPage("Too many authentication attempts. Please try again later."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request and puts a request-scoped logger in the context.
func (s *Server) AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := logging.Logger(r.Context(), s.logger)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r.WithContext(logging.ContextWithLogger(r.Context(), logger)))

		logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"url", utils.FullURL(r, "code", "state"),
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote", utils.ClientIP(r),
		)
	})
}

// SecurityHeaders sets conservative browser headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; img-src 'self'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("error writing JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; text-align: center; margin: 50px; }
        .success { color: #28a745; }
        .error { color: #dc3545; }
        .container { max-width: 500px; margin: 0 auto; }
    </style>
</head>
<body>
    <div class="container">
        <h1 class="{{.Class}}">{{.Heading}}</h1>
        {{range .Lines}}<p>{{.}}</p>
        {{end}}
    </div>
</body>
</html>
`))

type page struct {
	Title   string
	Class   string
	Heading string
	Lines   []string
}

var successPage = page{
	Title:   "Authentication Successful",
	Class:   "success",
	Heading: "✅ Authentication Successful!",
	Lines: []string{
		"You've successfully connected your Google account to the Slack bot.",
		"You can now close this window and return to Slack to use the /meet command.",
	},
}

func errorPage(message string) page {
	return page{
		Title:   "Authentication Error",
		Class:   "error",
		Heading: "❌ Authentication Error",
		Lines: []string{
			message,
			"Please try again or contact support if the problem persists.",
		},
	}
}

func writePage(w http.ResponseWriter, status int, p page) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, p); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
