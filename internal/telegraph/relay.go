package telegraph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/podyard/internal/logging"
	"github.com/zulandar/podyard/internal/models"
	"github.com/zulandar/podyard/internal/reconcile"
	"go.uber.org/zap"
)

// commandPrefix marks read-only chat commands.
const commandPrefix = "!pd"

const helpText = "Reply to a pod with `PodA: your message`. " +
	"Commands: `!pd nodes`, `!pd where PodA`, `!pd help`."

// Engine is the part of the reconciliation engine the relay drives.
type Engine interface {
	Subscribe() (<-chan reconcile.Update, func())
	Since(cursor int) reconcile.Feed
	Send(target, text string) (models.Message, bool)
	DistinctNodes() []string
	LatestLocation(node string) (models.Location, bool)
}

// Relay posts newly observed pod messages to chat and turns chat replies
// into operator messages.
type Relay struct {
	adapter   Adapter
	engine    Engine
	channelID string
	log       *zap.Logger
}

// RelayOpts holds parameters for creating a Relay.
type RelayOpts struct {
	Adapter   Adapter
	Engine    Engine
	ChannelID string // only inbound messages from this channel are handled; empty accepts all
	Logger    *zap.Logger
}

// NewRelay creates a Relay.
func NewRelay(opts RelayOpts) (*Relay, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("telegraph: engine is required")
	}
	return &Relay{
		adapter:   opts.Adapter,
		engine:    opts.Engine,
		channelID: opts.ChannelID,
		log:       logging.OrNop(opts.Logger),
	}, nil
}

// Run connects the adapter and relays until ctx is cancelled or the engine
// closes its update stream. Messages already in the list when Run starts,
// and everything the engine's first successful store read brings in, are
// history and are not posted. Every pod message after that is posted once,
// in list order, even when updates were dropped while a post was stalled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}
	defer r.adapter.Close()

	fc := &feedCursor{start: r.engine.Since(0).Next, pos: -1}
	updates, cancel := r.engine.Subscribe()
	defer cancel()
	r.catchUp(ctx, fc)

	inbound, err := r.adapter.Listen(ctx)
	switch {
	case errors.Is(err, ErrInboundUnsupported):
		r.log.Info("telegraph: posting only, chat replies disabled")
		inbound = nil
	case err != nil:
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-updates:
			if !ok {
				return nil
			}
			r.catchUp(ctx, fc)
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			r.Handle(ctx, msg)
		}
	}
}

// feedCursor is the relay's position in the engine's list. pos stays -1
// until the engine has read the store once.
type feedCursor struct {
	start int
	pos   int
}

// catchUp posts every pod message past the cursor and advances it.
func (r *Relay) catchUp(ctx context.Context, fc *feedCursor) {
	from := fc.pos
	if from < 0 {
		from = fc.start
	}
	f := r.engine.Since(from)
	if f.Baseline < 0 {
		return
	}
	msgs := f.Messages
	if fc.pos < 0 {
		fc.pos = max(fc.start, f.Baseline)
		if skip := fc.pos - from; skip < len(msgs) {
			msgs = msgs[skip:]
		} else {
			msgs = nil
		}
	}
	fc.pos = f.Next
	r.forward(ctx, msgs)
}

// forward posts pod messages. Operator messages are not echoed back to
// chat.
func (r *Relay) forward(ctx context.Context, msgs []models.Message) {
	for _, m := range msgs {
		if m.Sender == models.Operator {
			continue
		}
		if err := r.adapter.Send(ctx, PodMessage(m)); err != nil {
			r.log.Warn("telegraph: forward failed", zap.String("sender", m.Sender), zap.Error(err))
		}
	}
}

// Handle processes one inbound chat message.
func (r *Relay) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}
	if r.channelID != "" && msg.ChannelID != r.channelID {
		return
	}

	text := stripMention(strings.TrimSpace(msg.Text))
	if text == "" {
		return
	}
	r.log.Debug("telegraph: inbound",
		zap.String("platform", msg.Platform),
		zap.String("user", msg.UserName),
		zap.String("text", truncate(text, 80)))

	if isCommand(text) {
		r.reply(ctx, msg, r.command(text))
		return
	}

	node, body, ok := parseReply(text)
	if !ok {
		r.reply(ctx, msg, helpText)
		return
	}
	if _, ok := r.engine.Send(node, body); !ok {
		r.reply(ctx, msg, helpText)
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("Sent to %s.", node))
}

func (r *Relay) command(text string) string {
	fields := strings.Fields(strings.TrimSpace(strings.TrimPrefix(text, commandPrefix)))
	if len(fields) == 0 {
		return helpText
	}
	switch strings.ToLower(fields[0]) {
	case "nodes", "pods":
		return FormatNodes(r.engine.DistinctNodes())
	case "where", "locate":
		if len(fields) < 2 {
			return "Usage: `!pd where PodA`"
		}
		loc, ok := r.engine.LatestLocation(fields[1])
		return FormatLocation(fields[1], loc, ok)
	}
	return helpText
}

func (r *Relay) reply(ctx context.Context, in InboundMessage, text string) {
	out := OutboundMessage{ChannelID: in.ChannelID, ThreadID: in.ThreadID, Text: text}
	if err := r.adapter.Send(ctx, out); err != nil {
		r.log.Warn("telegraph: reply failed", zap.Error(err))
	}
}

func (r *Relay) isSelfMessage(msg InboundMessage) bool {
	b, ok := r.adapter.(BotUserIDer)
	return ok && msg.UserID != "" && msg.UserID == b.BotUserID()
}

func isCommand(text string) bool {
	if !strings.HasPrefix(text, commandPrefix) {
		return false
	}
	rest := text[len(commandPrefix):]
	return rest == "" || rest[0] == ' '
}

// parseReply splits "PodA: text" into its node and text.
func parseReply(text string) (node, body string, ok bool) {
	node, body, found := strings.Cut(text, ":")
	node = strings.TrimSpace(node)
	body = strings.TrimSpace(body)
	if !found || node == "" || body == "" || strings.ContainsAny(node, " \t") {
		return "", "", false
	}
	if node == models.Operator {
		return "", "", false
	}
	return node, body, true
}

// stripMention drops a leading platform mention such as "<@U123>".
func stripMention(text string) string {
	if !strings.HasPrefix(text, "<@") {
		return text
	}
	end := strings.Index(text, ">")
	if end < 0 {
		return text
	}
	return strings.TrimSpace(text[end+1:])
}
