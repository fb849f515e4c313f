package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/podyard/internal/logging"
	"github.com/zulandar/podyard/internal/models"
	"go.uber.org/zap"
)

// Engine defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultNode         = "PodA"
)

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("reconcile: engine closed")

// Source is the Message Store as seen by the engine.
type Source interface {
	FetchMessages(ctx context.Context) ([]models.Message, error)
	SubmitMessage(ctx context.Context, sub models.Submission) error
}

// Update describes one change to the message list.
type Update struct {
	Version uint64
	Local   []models.Message // optimistic operator messages
	Remote  []models.Message // messages first observed in the store's feed
}

// View is what the dashboard renders for the selected node.
type View struct {
	Node     string           `json:"node"`
	Messages []models.Message `json:"messages"`
	Location *models.Location `json:"location,omitempty"`
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	Source       Source
	PollInterval time.Duration // defaults to DefaultPollInterval
	NoPoll       bool          // callers drive Refresh themselves
	DefaultNode  string        // defaults to DefaultNode
	Logger       *zap.Logger
	Metrics      *Metrics
	Now          func() time.Time
}

// Engine owns the reconciled message list. A single goroutine holds the
// list; every read and write runs on it as a closure, so each refresh is
// applied against the list as it is when the refresh lands.
type Engine struct {
	src     Source
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time

	ops    chan func(*state)
	quit   chan struct{}
	exited chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	bg      sync.WaitGroup // poll loop, in-flight refreshes and submissions
}

type state struct {
	messages     []models.Message
	selected     string
	version      uint64
	lastClientID int64
	subs         map[int]chan Update
	nextSub      int
	baseline     int // list length after the first successful refresh, -1 before it
}

// New creates an Engine seeded with the bootstrap conversation and starts
// it. Unless opts.NoPoll is set it refreshes immediately and then every
// PollInterval until Close.
func New(opts Opts) (*Engine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("reconcile: source is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	node := opts.DefaultNode
	if node == "" {
		node = DefaultNode
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		src:     opts.Source,
		log:     logging.OrNop(opts.Logger),
		metrics: metrics,
		now:     now,
		ops:     make(chan func(*state)),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	st := &state{
		messages: Bootstrap(now()),
		selected: node,
		subs:     make(map[int]chan Update),
		baseline: -1,
	}
	metrics.listSize(len(st.messages))
	go e.loop(st)

	if !opts.NoPoll {
		e.bg.Add(1)
		go e.poll(interval)
	}
	return e, nil
}

func (e *Engine) loop(st *state) {
	defer close(e.exited)
	for {
		select {
		case op := <-e.ops:
			op(st)
		case <-e.quit:
			for id, ch := range st.subs {
				close(ch)
				delete(st.subs, id)
			}
			return
		}
	}
}

// do runs fn on the engine goroutine and waits for it. It reports false
// once the engine has stopped.
func (e *Engine) do(fn func(*state)) bool {
	done := make(chan struct{})
	select {
	case e.ops <- func(s *state) {
		defer close(done)
		fn(s)
	}:
		<-done
		return true
	case <-e.quit:
		return false
	}
}

func (e *Engine) poll(interval time.Duration) {
	defer e.bg.Done()
	e.spawnRefresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.spawnRefresh()
		}
	}
}

// spawnRefresh starts a refresh without waiting for it, so a hung fetch
// never holds back the next cycle. Only called from goroutines already
// counted in bg.
func (e *Engine) spawnRefresh() {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.Refresh(e.ctx)
	}()
}

// Refresh fetches the store's message list and merges it into the current
// list. On failure the list is left unchanged and the error is logged and
// returned.
func (e *Engine) Refresh(ctx context.Context) error {
	remote, err := e.src.FetchMessages(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.metrics.refreshed(false)
		e.log.Warn("reconcile: refresh failed", zap.Error(err))
		return fmt.Errorf("reconcile: refresh: %w", err)
	}
	e.metrics.refreshed(true)

	ok := e.do(func(s *state) {
		merged, added := merge(s.messages, remote)
		if s.baseline < 0 {
			s.baseline = len(merged)
		}
		if len(added) == 0 {
			return
		}
		s.messages = merged
		s.version++
		s.publish(Update{Version: s.version, Remote: added})
		e.metrics.listSize(len(merged))
		e.log.Debug("reconcile: merged remote messages", zap.Int("added", len(added)), zap.Int("total", len(merged)))
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// Send appends an operator message to target immediately and submits it to
// the store in the background; a refresh follows the submission whether it
// succeeded or not. Blank text or an empty target is rejected and leaves the
// list untouched.
func (e *Engine) Send(target, text string) (models.Message, bool) {
	if strings.TrimSpace(target) == "" || strings.TrimSpace(text) == "" {
		return models.Message{}, false
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return models.Message{}, false
	}
	e.bg.Add(1)
	e.mu.Unlock()

	var msg models.Message
	ok := e.do(func(s *state) {
		now := e.now()
		msg = models.Message{
			ClientID:   s.nextClientID(now),
			Sender:     models.Operator,
			Target:     target,
			Text:       text,
			ReceivedAt: now.Format(models.ReceivedAtLayout),
		}
		next := make([]models.Message, len(s.messages), len(s.messages)+1)
		copy(next, s.messages)
		s.messages = append(next, msg)
		s.version++
		s.publish(Update{Version: s.version, Local: []models.Message{msg}})
		e.metrics.listSize(len(s.messages))
	})
	if !ok {
		e.bg.Done()
		return models.Message{}, false
	}

	go e.submit(msg)
	return msg, true
}

func (e *Engine) submit(msg models.Message) {
	defer e.bg.Done()
	err := e.src.SubmitMessage(e.ctx, models.Submission{
		ClientID: msg.ClientID,
		Sender:   msg.Sender,
		Receiver: msg.Target,
		Text:     msg.Text,
		Location: msg.Location,
	})
	e.metrics.sent(err == nil)
	if err != nil && e.ctx.Err() == nil {
		e.log.Warn("reconcile: submit failed",
			zap.String("client_id", msg.ClientID),
			zap.String("target", msg.Target),
			zap.Error(err))
	}
	e.Refresh(e.ctx)
}

// Messages returns a copy of the reconciled list.
func (e *Engine) Messages() []models.Message {
	msgs := e.snapshot()
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

// MessagesForNode returns node's conversation in list order.
func (e *Engine) MessagesForNode(node string) []models.Message {
	return ForNode(e.snapshot(), node)
}

// LatestLocation returns the newest valid location in node's conversation.
func (e *Engine) LatestLocation(node string) (models.Location, bool) {
	return LatestLocation(e.snapshot(), node)
}

// DistinctNodes lists known pods in order of first appearance.
func (e *Engine) DistinctNodes() []string {
	return DistinctNodes(e.snapshot())
}

// SelectNode changes the node the dashboard displays. Empty names are ignored.
func (e *Engine) SelectNode(node string) bool {
	if strings.TrimSpace(node) == "" {
		return false
	}
	return e.do(func(s *state) { s.selected = node })
}

// SelectedNode returns the node the dashboard displays.
func (e *Engine) SelectedNode() string {
	var node string
	e.do(func(s *state) { node = s.selected })
	return node
}

// Selected returns the selected node's conversation and latest location.
func (e *Engine) Selected() View {
	var (
		node string
		msgs []models.Message
	)
	e.do(func(s *state) {
		node = s.selected
		msgs = s.messages
	})
	v := View{Node: node, Messages: ForNode(msgs, node)}
	if loc, ok := LatestLocation(msgs, node); ok {
		v.Location = &loc
	}
	return v
}

// Version increases on every change to the list.
func (e *Engine) Version() uint64 {
	var v uint64
	e.do(func(s *state) { v = s.version })
	return v
}

// Feed is the part of the list from a cursor on. The list only grows and
// never reorders, so an index into it is a stable cursor.
type Feed struct {
	Messages []models.Message // entries at and after the requested cursor
	Next     int              // cursor for the following call
	Baseline int              // list length after the first successful refresh; -1 until then
}

// Since returns the entries added at or after cursor. Consumers that must
// see every message, unlike Subscribe's lossy stream, poll Since whenever an
// update arrives.
func (e *Engine) Since(cursor int) Feed {
	f := Feed{Next: cursor, Baseline: -1}
	e.do(func(s *state) {
		f.Baseline = s.baseline
		f.Next = len(s.messages)
		if cursor < 0 {
			cursor = 0
		}
		if cursor < len(s.messages) {
			f.Messages = append([]models.Message(nil), s.messages[cursor:]...)
		}
	})
	return f
}

// Subscribe returns a channel of list updates and a function that cancels
// the subscription. Updates are dropped for subscribers that fall behind.
// The channel is closed on cancel or Close.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 64)
	var id int
	if !e.do(func(s *state) {
		id = s.nextSub
		s.nextSub++
		s.subs[id] = ch
	}) {
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.do(func(s *state) {
				if c, ok := s.subs[id]; ok {
					delete(s.subs, id)
					close(c)
				}
			})
		})
	}
}

// Close stops polling, waits for in-flight refreshes and submissions, then
// stops the engine. It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		<-e.exited
		return
	}
	e.closing = true
	e.mu.Unlock()

	e.cancel()
	e.bg.Wait()
	close(e.quit)
	<-e.exited
}

// snapshot returns the current list. Lists are replaced, never edited in
// place, so the slice stays valid after the engine moves on.
func (e *Engine) snapshot() []models.Message {
	var msgs []models.Message
	e.do(func(s *state) { msgs = s.messages })
	return msgs
}

func (s *state) publish(u Update) {
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// nextClientID derives a client id from the clock, bumped past the last one
// handed out so rapid sends stay unique.
func (s *state) nextClientID(now time.Time) string {
	id := now.UnixMilli()
	if id <= s.lastClientID {
		id = s.lastClientID + 1
	}
	s.lastClientID = id
	return strconv.FormatInt(id, 10)
}
