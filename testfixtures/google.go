package testfixtures

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	MeetLink     = "https://meet.google.com/abc-defg-hij"
	GrantedScope = "https://www.googleapis.com/auth/calendar https://www.googleapis.com/auth/calendar.events"
)

// TokenServer imitates Google's OAuth2 token endpoint.
type TokenServer struct {
	Server *httptest.Server

	// Respond replaces the default behaviour when set.
	Respond func(form url.Values) (status int, body any)
	// Delay holds every response back, unless the client gives up first.
	Delay time.Duration

	mu    sync.Mutex
	calls map[string]int
	forms []url.Values
}

func NewTokenServer(t testing.TB) *TokenServer {
	s := &TokenServer{calls: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *TokenServer) URL() string { return s.Server.URL }

func (s *TokenServer) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := r.PostForm
	grant := form.Get("grant_type")

	s.mu.Lock()
	s.calls[grant]++
	n := s.calls[grant]
	s.forms = append(s.forms, form)
	respond := s.Respond
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	status, body := http.StatusOK, any(nil)
	if respond != nil {
		status, body = respond(form)
	} else {
		status, body = defaultTokenResponse(grant, form, n)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func defaultTokenResponse(grant string, form url.Values, n int) (int, any) {
	switch grant {
	case "authorization_code":
		if form.Get("code") != AuthCode || form.Get("code_verifier") == "" {
			return RevokedResponse(form)
		}
		return http.StatusOK, map[string]any{
			"access_token":  "ya29.exchanged",
			"refresh_token": "1//refresh-token",
			"expires_in":    3599,
			"token_type":    "Bearer",
			"scope":         GrantedScope,
		}
	case "refresh_token":
		return http.StatusOK, map[string]any{
			"access_token": fmt.Sprintf("ya29.refreshed-%d", n),
			"expires_in":   3599,
			"token_type":   "Bearer",
		}
	}
	return http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"}
}

// RevokedResponse is what Google answers for a revoked refresh token or a used code.
func RevokedResponse(url.Values) (int, any) {
	return http.StatusBadRequest, map[string]any{
		"error":             "invalid_grant",
		"error_description": "Token has been expired or revoked.",
	}
}

func UnavailableResponse(url.Values) (int, any) {
	return http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"}
}

// Calls counts requests by grant_type.
func (s *TokenServer) Calls(grant string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[grant]
}

func (s *TokenServer) LastForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.forms) == 0 {
		return nil
	}
	return s.forms[len(s.forms)-1]
}

// CalendarServer imitates the Calendar v3 events.insert call.
type CalendarServer struct {
	Server *httptest.Server

	// Rejected bearer tokens get a 401.
	Rejected map[string]bool
	// Status, when non-zero, is returned for every request.
	Status int
	// NoVideoEntry drops conference data so only htmlLink is returned.
	NoVideoEntry bool

	mu     sync.Mutex
	tokens []string
	bodies []map[string]any
	query  []url.Values
}

func NewCalendarServer(t testing.TB) *CalendarServer {
	s := &CalendarServer{Rejected: make(map[string]bool)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *CalendarServer) URL() string { return s.Server.URL }

func (s *CalendarServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/calendars/primary/events" {
		http.NotFound(w, r)
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.bodies = append(s.bodies, body)
	s.query = append(s.query, r.URL.Query())
	rejected := s.Rejected[token]
	status := s.Status
	noVideo := s.NoVideoEntry
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if rejected {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":` + fmt.Sprint(status) + `}}`))
		return
	}

	event := map[string]any{
		"id":       "evt-1",
		"htmlLink": "https://www.google.com/calendar/event?eid=evt-1",
	}
	if !noVideo {
		event["conferenceData"] = map[string]any{
			"entryPoints": []map[string]any{
				{"entryPointType": "phone", "uri": "tel:+1-555-0100"},
				{"entryPointType": "video", "uri": MeetLink},
			},
		}
	}
	_ = json.NewEncoder(w).Encode(event)
}

func (s *CalendarServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Tokens returns the bearer tokens seen, in order.
func (s *CalendarServer) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (s *CalendarServer) LastBody() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) == 0 {
		return nil
	}
	return s.bodies[len(s.bodies)-1]
}

func (s *CalendarServer) LastQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.query) == 0 {
		return nil
	}
	return s.query[len(s.query)-1]
}

func (s *CalendarServer) Reject(token string) {
	s.mu.Lock()
	s.Rejected[token] = true
	s.mu.Unlock()
}
