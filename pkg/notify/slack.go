package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

var ErrNotify = errors.New("notification failed")

// SlackAPI is the part of the Slack client the sink uses.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetPermalinkContext(ctx context.Context, params *slack.PermalinkParameters) (string, error)
}

// NewSlackClient builds a Slack client. apiURL overrides the API base and
// must end with a slash.
func NewSlackClient(token, apiURL string, httpClient *http.Client) *slack.Client {
	opts := []slack.Option{}
	if apiURL = strings.TrimSpace(apiURL); apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	if httpClient != nil {
		opts = append(opts, slack.OptionHTTPClient(httpClient))
	}
	return slack.New(token, opts...)
}

// Slack posts status messages. Every failure is wrapped in ErrNotify and
// callers treat it as non-fatal.
type Slack struct {
	api SlackAPI
	log zerolog.Logger
}

func NewSlack(api SlackAPI, log zerolog.Logger) *Slack {
	return &Slack{api: api, log: log}
}

// Notify posts text to channel, inside thread when one is given.
func (s *Slack) Notify(ctx context.Context, channel, thread, text string) error {
	if strings.TrimSpace(channel) == "" {
		return fmt.Errorf("%w: no channel", ErrNotify)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	if _, _, err := s.api.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("%w: post to %s: %v", ErrNotify, channel, err)
	}
	return nil
}

// NotifyDecision tells the requester about an approve or reject: one message
// in the channel and, when the request came from a thread, one reply in it.
func (s *Slack) NotifyDecision(ctx context.Context, d Decision) error {
	channel := d.Request.NotificationChannel
	thread := d.Request.NotificationThread
	if strings.TrimSpace(channel) == "" {
		return fmt.Errorf("%w: request %s has no notification channel", ErrNotify, d.Request.RequestID)
	}
	permalink := ""
	if thread != "" {
		link, err := s.api.GetPermalinkContext(ctx, &slack.PermalinkParameters{Channel: channel, Ts: thread})
		if err != nil {
			s.log.Warn().Err(err).Str("channel", channel).Msg("permalink lookup failed")
		} else {
			permalink = link
		}
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, d.mainText(permalink), false, false), nil, nil),
	}
	if permalink != "" {
		button := slack.NewButtonBlockElement("view_thread", d.Request.RequestID,
			slack.NewTextBlockObject(slack.PlainTextType, "View Thread", false, false)).WithURL(permalink)
		blocks = append(blocks, slack.NewActionBlock("jit_decision", button))
	}
	var errs []error
	if _, _, err := s.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(d.summary(), false),
		slack.MsgOptionBlocks(blocks...),
	); err != nil {
		errs = append(errs, fmt.Errorf("main message: %w", err))
	}
	if thread != "" {
		if err := s.Notify(ctx, channel, thread, d.threadText()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrNotify, errors.Join(errs...))
	}
	s.log.Info().Str("request_id", d.Request.RequestID).Str("channel", channel).Msg("decision notification sent")
	return nil
}
