package slack

import (
	"encoding/json"
	"net/http"
)

const (
	ResponseEphemeral = "ephemeral"
	ResponseInChannel = "in_channel"
)

// Response is the JSON body Slack renders back to the invoking user.
type Response struct {
	ResponseType string       `json:"response_type"`
	Text         string       `json:"text"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Text     string   `json:"text,omitempty"`
	Fallback string   `json:"fallback,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Actions  []Action `json:"actions,omitempty"`
}

type Action struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	URL   string `json:"url"`
	Style string `json:"style,omitempty"`
}

func Ephemeral(text string) Response {
	return Response{ResponseType: ResponseEphemeral, Text: text}
}

func InChannel(text string) Response {
	return Response{ResponseType: ResponseInChannel, Text: text}
}

// AuthPrompt is shown only to the invoking user: it carries a button to the
// consent page and, when qrURL is set, a scannable copy of the same link.
func AuthPrompt(text, authURL, qrURL string) Response {
	a := Attachment{
		Fallback: "Connect Google Calendar: " + authURL,
		Actions: []Action{{
			Type:  "button",
			Text:  "Connect Google Calendar",
			URL:   authURL,
			Style: "primary",
		}},
	}
	if qrURL != "" {
		a.ImageURL = qrURL
	}
	return Response{
		ResponseType: ResponseEphemeral,
		Text:         text,
		Attachments:  []Attachment{a},
	}
}

// Write sends r with a 200 status; Slack only renders bodies of successful responses.
func (r Response) Write(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(r)
}
