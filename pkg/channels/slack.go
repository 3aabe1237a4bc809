// Package channels adapts external messaging surfaces into channel-neutral
// envelopes for the session resolver. Each adapter owns one surface's
// callback verification, event translation, and outbound replies; everything
// past the envelope is channel-agnostic.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/session"
)

// replyTimeout bounds one chat.postMessage call.
const replyTimeout = 5 * time.Second

// ErrBadSignature marks a callback whose signature did not verify. The HTTP
// layer answers it with 401 instead of the 400 used for malformed payloads.
var ErrBadSignature = errors.New("slack signature verification failed")

// ErrBadPayload marks a callback body that verified but could not be parsed.
var ErrBadPayload = errors.New("slack payload could not be parsed")

// SlackConfig holds the parameters needed to construct a SlackAdapter.
type SlackConfig struct {
	BotToken      string
	SigningSecret string
	// Channel receives replies for sessions whose thread id cannot be
	// parsed (imported or hand-created sessions).
	Channel string
	// APIURL overrides the Slack API base URL. Useful for testing with a
	// mock server.
	APIURL string
}

// SlackAdapter translates Slack Events API callbacks into envelopes and
// posts thread-aware replies.
type SlackAdapter struct {
	api           *goslack.Client
	resolver      *session.Resolver
	signingSecret string
	channel       string
	logger        *slog.Logger
}

// NewSlackAdapter creates the adapter. Returns nil if BotToken or
// SigningSecret is empty; a nil adapter means the Slack surface is disabled.
func NewSlackAdapter(cfg SlackConfig, resolver *session.Resolver) *SlackAdapter {
	if cfg.BotToken == "" || cfg.SigningSecret == "" {
		return nil
	}
	opts := []goslack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, goslack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackAdapter{
		api:           goslack.New(cfg.BotToken, opts...),
		resolver:      resolver,
		signingSecret: cfg.SigningSecret,
		channel:       cfg.Channel,
		logger:        slog.Default().With("component", "slack-adapter"),
	}
}

// CallbackResult is the outcome of one Events API callback.
type CallbackResult struct {
	// Challenge echoes the url_verification handshake; empty otherwise.
	Challenge string
	// Session and Message are set when a user message was ingested.
	Session      *models.Session
	Message      *models.ChatMessage
	SessionIsNew bool
}

// HandleCallback verifies and dispatches one Events API request body.
// Unhandled event types return an empty result and no error: Slack retries
// on anything but 200.
func (a *SlackAdapter) HandleCallback(ctx context.Context, header http.Header, body []byte) (*CallbackResult, error) {
	if err := a.verifySignature(header, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return &CallbackResult{Challenge: challenge.Challenge}, nil

	case slackevents.CallbackEvent:
		if msg, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			return a.handleMessage(ctx, msg)
		}
		a.logger.Debug("Ignoring slack event", "inner_type", event.InnerEvent.Type)
		return &CallbackResult{}, nil

	default:
		a.logger.Debug("Ignoring slack callback", "type", event.Type)
		return &CallbackResult{}, nil
	}
}

func (a *SlackAdapter) handleMessage(ctx context.Context, msg *slackevents.MessageEvent) (*CallbackResult, error) {
	// Bot echoes and message subtypes (edits, joins, our own replies) never
	// become session traffic; replying to them would loop.
	if msg.BotID != "" || msg.SubType != "" || msg.User == "" {
		return &CallbackResult{}, nil
	}

	threadTS := msg.ThreadTimeStamp
	if threadTS == "" {
		threadTS = msg.TimeStamp
	}

	env := models.ChannelEnvelope{
		ChannelKind:       models.ChannelSlack,
		ExternalThreadID:  threadKey(msg.Channel, threadTS),
		ExternalMessageID: msg.TimeStamp,
		SenderID:          msg.User,
		Text:              msg.Text,
	}

	sess, message, isNew, err := a.resolver.Ingest(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest slack message: %w", err)
	}

	a.logger.Info("Slack message ingested",
		"session_id", sess.ID,
		"new_session", isNew,
		"redacted", message.Redacted)

	return &CallbackResult{
		Session:      sess,
		Message:      message,
		SessionIsNew: isNew,
	}, nil
}

// Reply posts text into the session's thread and records it as an assistant
// message. The outbound text goes through the egress redaction sweep before
// it leaves.
func (a *SlackAdapter) Reply(ctx context.Context, sess *models.Session, text string) error {
	channelID, threadTS := splitThreadKey(sess.ExternalThreadID)
	if channelID == "" {
		channelID = a.channel
	}
	if channelID == "" {
		return fmt.Errorf("session %s has no slack channel to reply to", sess.ID)
	}

	recorded, err := a.resolver.RecordReply(ctx, sess.ID, models.ChannelSlack, text)
	if err != nil {
		return err
	}

	postCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	block := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, recorded.Content, false, false),
		nil, nil,
	)
	opts := []goslack.MsgOption{goslack.MsgOptionBlocks(block)}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}

	if _, _, err := a.api.PostMessageContext(postCtx, channelID, opts...); err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

func (a *SlackAdapter) verifySignature(header http.Header, body []byte) error {
	verifier, err := goslack.NewSecretsVerifier(header, a.signingSecret)
	if err != nil {
		return err
	}
	if _, err := verifier.Write(body); err != nil {
		return err
	}
	return verifier.Ensure()
}

// threadKey builds the channel-scoped thread identifier. One Slack thread ts
// is only unique within its channel.
func threadKey(channelID, threadTS string) string {
	return channelID + ":" + threadTS
}

func splitThreadKey(key string) (channelID, threadTS string) {
	channelID, threadTS, ok := strings.Cut(key, ":")
	if !ok {
		return "", ""
	}
	return channelID, threadTS
}
