package slack

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Seann-Moser/meetbot/user"
)

const (
	CommandMeet = "/meet"
	CommandAuth = "/meet-auth"
	CommandHelp = "/meet-help"

	maxTextLength  = 2000
	maxTitleLength = 200
	maxURLLength   = 2048
)

var ErrInvalidCommand = errors.New("slack: invalid command payload")

var (
	userIDPattern    = regexp.MustCompile(`^[UW][A-Z0-9]{8,10}$`)
	teamIDPattern    = regexp.MustCompile(`^T[A-Z0-9]{8,10}$`)
	channelIDPattern = regexp.MustCompile(`^[CDG][A-Z0-9]{8,10}$`)

	allowedCommands = map[string]bool{
		CommandMeet: true,
		CommandAuth: true,
		CommandHelp: true,
	}

	dangerousPatterns = []string{
		"javascript:", "data:", "vbscript:", "<script", "</script",
		"onload=", "onerror=", "onclick=", "onmouseover=",
		"eval(", "document.cookie", "window.location",
		"alert(", "confirm(", "prompt(",
		"document.write", "innerhtml", "outerhtml",
	}
)

// Command is a decoded slash-command invocation.
type Command struct {
	TeamID      string
	UserID      string
	UserName    string
	ChannelID   string
	Command     string
	Text        string
	ResponseURL string
	TriggerID   string
}

// ParseCommand decodes the form-encoded body Slack posts for slash commands.
func ParseCommand(body []byte) (Command, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return Command{
		TeamID:      values.Get("team_id"),
		UserID:      values.Get("user_id"),
		UserName:    values.Get("user_name"),
		ChannelID:   values.Get("channel_id"),
		Command:     values.Get("command"),
		Text:        strings.TrimSpace(values.Get("text")),
		ResponseURL: values.Get("response_url"),
		TriggerID:   values.Get("trigger_id"),
	}, nil
}

func (c Command) ChatUser() user.ChatUser {
	return user.ChatUser{WorkspaceID: c.TeamID, UserID: c.UserID}
}

// Title is the meeting title requested through the command text, if any.
func (c Command) Title() string {
	return c.Text
}

// Validate rejects payloads whose identifiers or text do not look like
// something Slack would send.
func (c Command) Validate() error {
	if !teamIDPattern.MatchString(c.TeamID) {
		return fmt.Errorf("%w: team id", ErrInvalidCommand)
	}
	if !userIDPattern.MatchString(c.UserID) {
		return fmt.Errorf("%w: user id", ErrInvalidCommand)
	}
	if c.ChannelID != "" && !channelIDPattern.MatchString(c.ChannelID) {
		return fmt.Errorf("%w: channel id", ErrInvalidCommand)
	}
	if !allowedCommands[c.Command] {
		return fmt.Errorf("%w: command %q not supported", ErrInvalidCommand, c.Command)
	}
	if c.ResponseURL != "" {
		if err := validateResponseURL(c.ResponseURL); err != nil {
			return err
		}
	}
	if utf8.RuneCountInString(c.Text) > maxTextLength {
		return fmt.Errorf("%w: text too long", ErrInvalidCommand)
	}
	if c.Command == CommandMeet && utf8.RuneCountInString(c.Text) > maxTitleLength {
		return fmt.Errorf("%w: title too long", ErrInvalidCommand)
	}
	lower := strings.ToLower(c.Text)
	for _, p := range dangerousPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: text contains %q", ErrInvalidCommand, p)
		}
	}
	return nil
}

func validateResponseURL(raw string) error {
	if len(raw) > maxURLLength || !strings.HasPrefix(raw, "https://") {
		return fmt.Errorf("%w: response url", ErrInvalidCommand)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: response url", ErrInvalidCommand)
	}
	host := u.Hostname()
	if (host == "slack.com" || strings.HasSuffix(host, ".slack.com")) && host != "hooks.slack.com" {
		return fmt.Errorf("%w: response url host", ErrInvalidCommand)
	}
	return nil
}
