// Package meetbot answers the /meet slash command with a Google Meet link
// created on the invoking user's own calendar.
package meetbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/Seann-Moser/meetbot/logging"
	"github.com/Seann-Moser/meetbot/meeting"
	"github.com/Seann-Moser/meetbot/oauth/oclient"
	"github.com/Seann-Moser/meetbot/ratelimit"
	"github.com/Seann-Moser/meetbot/slack"
	"github.com/Seann-Moser/meetbot/user"
	"github.com/google/uuid"
)

const (
	textInvalid     = "❌ Invalid command text. Please check for special characters."
	textSlowDown    = "⏱️ Please slow down! You're sending commands too quickly."
	textHighLoad    = "🚫 Service temporarily unavailable due to high load. Please try again later."
	textUnavailable = "⏳ Google is not responding right now. Please try again in a moment."
	textInternal    = "❌ Something went wrong on our side. Please try again."
	textMeetFailed  = "❌ Failed to create Google Meet link. Please try again."
	textAuthNeeded  = "🔐 Authentication needed to create Google Meet links"
	textAuthRevoked = "🔐 Google no longer accepts your previous authorization. Reconnect to keep creating Meet links."
	textReconnect   = "🔐 Use the button below to connect Google Calendar again."

	textHelp = "*Google Meet for Slack*\n" +
		"`/meet [title]` creates a Google Meet link on your calendar and posts it here.\n" +
		"`/meet-auth` connects (or reconnects) your Google account.\n" +
		"`/meet-help` shows this message."
)

// globalKey is the shared bucket for every command the bot receives.
const globalKey = "/slack/commands"

// TokenSource hands out usable access tokens for a chat user.
type TokenSource interface {
	AcquireUsableToken(ctx context.Context, u user.ChatUser) (oclient.TokenResult, error)
	RefreshRejected(ctx context.Context, u user.ChatUser, accessToken string) (oclient.TokenResult, error)
	BeginAuthorization(ctx context.Context, u user.ChatUser) (oclient.TokenResult, error)
}

type Calendar interface {
	CreateMeeting(ctx context.Context, accessToken, title string, start time.Time) (string, error)
}

type Kind int

const (
	KindFailure Kind = iota
	KindMeeting
	KindAuthorize
	KindNotice
)

func (k Kind) String() string {
	switch k {
	case KindMeeting:
		return "meeting"
	case KindAuthorize:
		return "authorize"
	case KindNotice:
		return "notice"
	}
	return "failure"
}

// Result is the outcome of one command. Failure text is always generic.
type Result struct {
	Kind    Kind
	Owner   user.ChatUser
	Link    string
	AuthURL string
	QRURL   string
	Revoked bool
	Text    string
}

// SlackResponse renders r the way Slack shows it to the user.
func (r Result) SlackResponse() slack.Response {
	switch r.Kind {
	case KindMeeting:
		return slack.InChannel(fmt.Sprintf("🎥 Google Meet created by <@%s>: %s", r.Owner.UserID, r.Link))
	case KindAuthorize:
		return slack.AuthPrompt(r.Text, r.AuthURL, r.QRURL)
	}
	return slack.Ephemeral(r.Text)
}

type Bot struct {
	tokens   TokenSource
	calendar Calendar
	users    user.Store
	meetings meeting.Store

	perUser       *ratelimit.Limiter
	global        *ratelimit.Limiter
	publicBaseURL string
	now           func() time.Time
	logger        *slog.Logger
}

type Option func(*Bot)

func WithClock(now func() time.Time) Option {
	return func(b *Bot) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) {
		b.logger = l
	}
}

// WithLimiters sets the per-user and whole-bot command limits. Either may be nil.
func WithLimiters(perUser, global *ratelimit.Limiter) Option {
	return func(b *Bot) {
		b.perUser = perUser
		b.global = global
	}
}

// WithPublicBaseURL lets authorization prompts link to a QR code of the consent URL.
func WithPublicBaseURL(base string) Option {
	return func(b *Bot) {
		b.publicBaseURL = base
	}
}

func NewBot(tokens TokenSource, calendar Calendar, users user.Store, meetings meeting.Store, opts ...Option) *Bot {
	b := &Bot{
		tokens:   tokens,
		calendar: calendar,
		users:    users,
		meetings: meetings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle runs one verified slash command to completion.
func (b *Bot) Handle(ctx context.Context, cmd slack.Command) Result {
	owner := cmd.ChatUser()
	logger := logging.Logger(ctx, b.logger).With("component", "bot", "command", cmd.Command, "user", owner.Key())
	ctx = logging.ContextWithLogger(ctx, logger)

	if err := cmd.Validate(); err != nil {
		logger.WarnContext(ctx, "invalid command", "error", err)
		return failure(owner, textInvalid)
	}
	if !b.perUser.Allow(owner.Key()) {
		logger.WarnContext(ctx, "user rate limit exceeded")
		return failure(owner, textSlowDown)
	}
	if !b.global.Allow(globalKey) {
		logger.ErrorContext(ctx, "global rate limit exceeded")
		return failure(owner, textHighLoad)
	}

	switch cmd.Command {
	case slack.CommandHelp:
		return Result{Kind: KindNotice, Owner: owner, Text: textHelp}
	case slack.CommandAuth:
		res, err := b.tokens.BeginAuthorization(ctx, owner)
		if err != nil {
			return b.tokenFailure(ctx, owner, err)
		}
		return b.prompt(owner, res, textReconnect)
	}
	return b.meet(ctx, cmd, owner)
}

func (b *Bot) meet(ctx context.Context, cmd slack.Command, owner user.ChatUser) Result {
	logger := logging.Logger(ctx, b.logger)
	now := b.now()

	res, err := b.tokens.AcquireUsableToken(ctx, owner)
	if err != nil {
		return b.tokenFailure(ctx, owner, err)
	}
	if res.NeedsAuthorization() {
		return b.prompt(owner, res, textAuthNeeded)
	}

	link, err := b.calendar.CreateMeeting(ctx, res.AccessToken, cmd.Title(), now)
	if errors.Is(err, meeting.ErrUnauthorized) {
		// the token looked valid but the calendar disagrees
		logger.InfoContext(ctx, "calendar rejected access token, refreshing")
		res, err = b.tokens.RefreshRejected(ctx, owner, res.AccessToken)
		if err != nil {
			return b.tokenFailure(ctx, owner, err)
		}
		if res.NeedsAuthorization() {
			return b.prompt(owner, res, textAuthNeeded)
		}
		link, err = b.calendar.CreateMeeting(ctx, res.AccessToken, cmd.Title(), now)
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to create meeting", "error", err)
		return failure(owner, textMeetFailed)
	}

	record := meeting.Record{
		ID:        uuid.NewString(),
		Owner:     owner,
		Link:      link,
		Title:     cmd.Title(),
		CreatedAt: now,
	}
	if err := b.meetings.Append(ctx, record); err != nil {
		logger.ErrorContext(ctx, "failed to record meeting", "error", err, "meeting_id", record.ID)
	}
	if err := b.users.Touch(ctx, owner, cmd.UserName, now); err != nil {
		logger.WarnContext(ctx, "failed to touch user", "error", err)
	}
	logger.InfoContext(ctx, "meeting created", "meeting_id", record.ID)
	return Result{Kind: KindMeeting, Owner: owner, Link: link}
}

func (b *Bot) prompt(owner user.ChatUser, res oclient.TokenResult, text string) Result {
	if res.Revoked {
		text = textAuthRevoked
	}
	r := Result{
		Kind:    KindAuthorize,
		Owner:   owner,
		AuthURL: res.AuthURL,
		Revoked: res.Revoked,
		Text:    text,
	}
	if b.publicBaseURL != "" && res.State != "" {
		r.QRURL = b.publicBaseURL + qrPath + "?state=" + url.QueryEscape(res.State)
	}
	return r
}

func (b *Bot) tokenFailure(ctx context.Context, owner user.ChatUser, err error) Result {
	kind := oclient.ErrorKind(err)
	logging.Logger(ctx, b.logger).ErrorContext(ctx, "could not obtain access token", "kind", kind, "error", err)
	if errors.Is(err, oclient.ErrTemporarilyUnavailable) {
		return failure(owner, textUnavailable)
	}
	return failure(owner, textInternal)
}

func failure(owner user.ChatUser, text string) Result {
	return Result{Kind: KindFailure, Owner: owner, Text: text}
}
