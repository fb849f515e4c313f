// Package slack posts pod traffic to a Slack channel and, when an app-level
// token is configured, receives operator replies over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/podyard/internal/logging"
	"github.com/zulandar/podyard/internal/telegraph"
	"go.uber.org/zap"
)

const (
	maxRetries           = 3
	baseBackoff          = 2 * time.Second
	maxBackoff           = 2 * time.Minute
	maxReconnectAttempts = 10
	inboundBuffer        = 100
)

// slackClient is the subset of the Web API the adapter calls.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient is the subset of the Socket Mode client the adapter calls.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error {
	return r.client.RunContext(ctx)
}

func (r *realSocketClient) EventsChan() chan socketmode.Event {
	return r.client.Events
}

func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements telegraph.Adapter for Slack.
type Adapter struct {
	client    slackClient
	socket    socketClient
	appToken  string
	botToken  string
	channelID string
	log       *zap.Logger

	mu        sync.Mutex
	botUserID string
	connected bool
	listening bool
	closed    bool
	inbound   chan telegraph.InboundMessage
	cancel    context.CancelFunc
	pumpDone  chan struct{}
	names     map[string]string

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	BotToken  string // xoxb-...
	AppToken  string // xapp-...; empty disables chat replies
	ChannelID string // channel pod messages are posted to
	Logger    *zap.Logger

	// Test doubles. Socket is only used when AppToken is set or Socket is non-nil.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		log:          logging.OrNop(opts.Logger).With(zap.String("platform", "slack")),
		inbound:      make(chan telegraph.InboundMessage, inboundBuffer),
		names:        make(map[string]string),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates the bot token and records the bot's user id.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		var apiOpts []slackapi.Option
		if a.appToken != "" {
			apiOpts = append(apiOpts, slackapi.OptionAppLevelToken(a.appToken))
		}
		api := slackapi.New(a.botToken, apiOpts...)
		a.client = api
		if a.appToken != "" && a.socket == nil {
			a.socket = &realSocketClient{client: socketmode.New(api)}
		}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	a.log.Info("slack: connected", zap.String("bot_user", auth.UserID), zap.String("team", auth.Team))
	return nil
}

// Listen starts Socket Mode and returns replies posted in the configured
// channel. Without an app token it returns telegraph.ErrInboundUnsupported.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.socket == nil {
		return nil, telegraph.ErrInboundUnsupported
	}
	if a.listening {
		return a.inbound, nil
	}
	a.listening = true

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.pumpDone = make(chan struct{})
	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

// Send posts msg, retrying when Slack rate limits the call.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = a.channelID
	}
	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, err := a.client.PostMessage(channelID, options...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close stops Socket Mode and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	cancel, done := a.cancel, a.pumpDone
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user id once connected.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.RunContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		wait := a.baseBackoff << attempt
		if wait > a.maxBackoff || wait <= 0 {
			wait = a.maxBackoff
		}
		a.log.Warn("slack: socket mode disconnected",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", a.maxReconnect),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	a.log.Error("slack: giving up on socket mode", zap.Int("attempts", a.maxReconnect))
}

// pumpEvents is the only writer to inbound while listening.
func (a *Adapter) pumpEvents(ctx context.Context) {
	defer close(a.pumpDone)
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if msg, ok := a.handleSocketEvent(evt); ok {
				select {
				case a.inbound <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// handleSocketEvent acknowledges evt and converts it to an inbound message
// when it is a human message in the configured channel.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) (telegraph.InboundMessage, bool) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || apiEvent.Type != slackevents.CallbackEvent {
			return telegraph.InboundMessage{}, false
		}
		switch ev := apiEvent.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			if ev.BotID != "" || ev.SubType != "" {
				return telegraph.InboundMessage{}, false
			}
			return a.inboundFrom(ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text, ev.TimeStamp)
		case *slackevents.AppMentionEvent:
			return a.inboundFrom(ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text, ev.TimeStamp)
		}
	case socketmode.EventTypeConnected:
		a.log.Info("slack: socket mode connected")
	case socketmode.EventTypeConnectionError:
		a.log.Warn("slack: socket mode connection error", zap.Any("data", evt.Data))
	case socketmode.EventTypeDisconnect:
		a.log.Info("slack: server requested disconnect")
	}
	return telegraph.InboundMessage{}, false
}

func (a *Adapter) inboundFrom(channel, thread, user, text, ts string) (telegraph.InboundMessage, bool) {
	if channel != a.channelID || user == "" || user == a.BotUserID() {
		return telegraph.InboundMessage{}, false
	}
	return telegraph.InboundMessage{
		Platform:  "slack",
		ChannelID: channel,
		ThreadID:  thread,
		UserID:    user,
		UserName:  a.resolveUserName(user),
		Text:      text,
		Timestamp: parseSlackTimestamp(ts),
	}, true
}

// resolveUserName looks up and caches a display name, falling back to the id.
func (a *Adapter) resolveUserName(userID string) string {
	a.mu.Lock()
	name, ok := a.names[userID]
	a.mu.Unlock()
	if ok {
		return name
	}

	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = userID
	}
	a.mu.Lock()
	a.names[userID] = name
	a.mu.Unlock()
	return name
}

func buildMessageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ThreadID))
	}
	if len(msg.Events) > 0 {
		attachments := make([]slackapi.Attachment, 0, len(msg.Events))
		for _, evt := range msg.Events {
			attachments = append(attachments, eventToAttachment(evt))
		}
		options = append(options, slackapi.MsgOptionAttachments(attachments...))
	}
	return options
}

func eventToAttachment(evt telegraph.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:     evt.Title,
		TitleLink: evt.URL,
		Text:      evt.Body,
		Color:     evt.Color,
		Fallback:  evt.Title + ": " + evt.Body,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}

// retryOnRateLimit retries fn while Slack answers with a rate limit,
// honouring RetryAfter.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Second << attempt
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// parseSlackTimestamp converts "1234567890.123456" to a time.
func parseSlackTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		if v, err := strconv.ParseInt(frac, 10, 64); err == nil && len(frac) == 6 {
			usec = v
		}
	}
	return time.Unix(s, usec*int64(time.Microsecond))
}
