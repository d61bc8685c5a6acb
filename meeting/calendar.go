package meeting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	DefaultCalendarURL = "https://www.googleapis.com/calendar/v3"
	defaultTitle       = "Meet"
	meetingLength      = time.Hour
)

// ErrUnauthorized means the calendar refused the access token.
var ErrUnauthorized = errors.New("calendar: access token rejected")

// CalendarClient creates Google Calendar events with an attached Meet conference.
type CalendarClient struct {
	baseURL string
	client  *http.Client
}

type CalendarOption func(*CalendarClient)

func WithBaseURL(u string) CalendarOption {
	return func(c *CalendarClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the transport underneath the bearer-token client.
func WithHTTPClient(hc *http.Client) CalendarOption {
	return func(c *CalendarClient) {
		c.client = hc
	}
}

func NewCalendarClient(opts ...CalendarOption) *CalendarClient {
	c := &CalendarClient{
		baseURL: DefaultCalendarURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type eventRequest struct {
	Summary        string    `json:"summary"`
	Start          eventTime `json:"start"`
	End            eventTime `json:"end"`
	ConferenceData struct {
		CreateRequest struct {
			RequestID             string `json:"requestId"`
			ConferenceSolutionKey struct {
				Type string `json:"type"`
			} `json:"conferenceSolutionKey"`
		} `json:"createRequest"`
	} `json:"conferenceData"`
}

type eventResponse struct {
	ID             string `json:"id"`
	HTMLLink       string `json:"htmlLink"`
	ConferenceData *struct {
		EntryPoints []struct {
			EntryPointType string `json:"entryPointType"`
			URI            string `json:"uri"`
		} `json:"entryPoints"`
	} `json:"conferenceData"`
}

// CreateMeeting inserts a one hour event starting at start and returns its
// video link, or the event page when the conference has no video entry point.
func (c *CalendarClient) CreateMeeting(ctx context.Context, accessToken, title string, start time.Time) (string, error) {
	if strings.TrimSpace(title) == "" {
		title = defaultTitle
	}
	var req eventRequest
	req.Summary = title
	req.Start = eventTime{DateTime: start.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	req.End = eventTime{DateTime: start.Add(meetingLength).UTC().Format(time.RFC3339), TimeZone: "UTC"}
	req.ConferenceData.CreateRequest.RequestID = uuid.NewString()
	req.ConferenceData.CreateRequest.ConferenceSolutionKey.Type = "hangoutsMeet"

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	endpoint := c.baseURL + "/calendars/primary/events?conferenceDataVersion=1"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	authed := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.client),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	resp, err := authed.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calendar: create event: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("calendar: create event: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var ev eventResponse
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return "", fmt.Errorf("calendar: decode event: %w", err)
	}
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.URI != "" {
				return ep.URI, nil
			}
		}
	}
	if ev.HTMLLink != "" {
		return ev.HTMLLink, nil
	}
	return "", errors.New("calendar: event has no link")
}
