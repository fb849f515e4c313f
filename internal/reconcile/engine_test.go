package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zulandar/podyard/internal/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource is an in-memory Message Store. With echo set, accepted
// submissions appear in later fetches under a server id.
type fakeSource struct {
	mu        sync.Mutex
	remote    []models.Message
	fetchErr  error
	submitErr error
	echo      bool
	fetches   int
	submitted []models.Submission

	// hold stalls the next fetch until closed; started is closed once that
	// fetch has read the remote list.
	hold    chan struct{}
	started chan struct{}

	// gate stalls submissions until closed.
	gate chan struct{}
}

func (f *fakeSource) FetchMessages(ctx context.Context) ([]models.Message, error) {
	f.mu.Lock()
	f.fetches++
	if f.fetchErr != nil {
		err := f.fetchErr
		f.mu.Unlock()
		return nil, err
	}
	out := append([]models.Message(nil), f.remote...)
	hold, started := f.hold, f.started
	f.hold, f.started = nil, nil
	f.mu.Unlock()

	if hold != nil {
		close(started)
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (f *fakeSource) SubmitMessage(ctx context.Context, sub models.Submission) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, sub)
	if f.submitErr != nil {
		return f.submitErr
	}
	if f.echo {
		f.remote = append(f.remote, models.Message{
			ServerID: fmt.Sprintf("srv-%d", len(f.submitted)),
			ClientID: sub.ClientID,
			Sender:   sub.Sender,
			Target:   sub.Receiver,
			Text:     sub.Text,
		})
	}
	return nil
}

func (f *fakeSource) setRemote(msgs ...models.Message) {
	f.mu.Lock()
	f.remote = msgs
	f.mu.Unlock()
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeSource) submissions() []models.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Submission(nil), f.submitted...)
}

func newTestEngine(t *testing.T, src Source, mutate ...func(*Opts)) *Engine {
	t.Helper()
	opts := Opts{
		Source: src,
		NoPoll: true,
		Now:    func() time.Time { return seedTime },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RequiresSource(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error without source")
	}
}

func TestEngine_StartsWithBootstrap(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})

	if diff := cmp.Diff(Bootstrap(seedTime), e.Messages()); diff != "" {
		t.Errorf("initial list mismatch (-want +got):\n%s", diff)
	}
	if got := e.SelectedNode(); got != DefaultNode {
		t.Errorf("SelectedNode = %q, want %q", got, DefaultNode)
	}
	if diff := cmp.Diff([]string{"PodA"}, e.DistinctNodes()); diff != "" {
		t.Errorf("DistinctNodes mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_RefreshIdempotent(t *testing.T) {
	src := &fakeSource{}
	src.setRemote(
		remoteMsg("a1", "PodB", models.Operator, "PodB online"),
		remoteMsg("a2", "PodA", models.Operator, "still here"),
	)
	e := newTestEngine(t, src)
	ctx := context.Background()

	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	first := e.Messages()
	v := e.Version()
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if diff := cmp.Diff(first, e.Messages()); diff != "" {
		t.Errorf("second refresh changed list (-first +second):\n%s", diff)
	}
	if e.Version() != v {
		t.Errorf("Version = %d after no-op refresh, want %d", e.Version(), v)
	}
	if len(first) != 5 {
		t.Errorf("len = %d, want 5", len(first))
	}
}

func TestEngine_RefreshScenario(t *testing.T) {
	src := &fakeSource{}
	src.setRemote(
		remoteMsg("2", "PodZ", models.Operator, "impostor"),
		remoteMsg("a1", "PodB", models.Operator, "new"),
	)
	e := newTestEngine(t, src)

	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	msgs := e.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if diff := cmp.Diff(Bootstrap(seedTime)[1], msgs[1]); diff != "" {
		t.Errorf("bootstrap message 2 mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_RefreshFailureKeepsState(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	src := &fakeSource{fetchErr: errors.New("connection refused")}
	e := newTestEngine(t, src, func(o *Opts) { o.Metrics = metrics })

	before := e.Messages()
	err := e.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected refresh error")
	}
	if diff := cmp.Diff(before, e.Messages()); diff != "" {
		t.Errorf("failed refresh changed list (-before +after):\n%s", diff)
	}
	if got := testutil.ToFloat64(metrics.refreshes.WithLabelValues("error")); got != 1 {
		t.Errorf("refreshes_total{result=error} = %v, want 1", got)
	}
}

func TestEngine_SendOptimisticVisibility(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	e := newTestEngine(t, src)

	msg, ok := e.Send("PodA", "hello")
	if !ok {
		t.Fatal("Send rejected valid input")
	}

	var found bool
	for _, m := range e.MessagesForNode("PodA") {
		if m.Text == "hello" && m.Sender == models.Operator {
			found = true
		}
	}
	if !found {
		t.Fatal("optimistic message not visible before submission completed")
	}
	if len(src.submissions()) != 0 {
		t.Fatal("submission completed before gate opened")
	}
	if msg.ClientID == "" || msg.ServerID != "" || msg.Location != "" {
		t.Errorf("msg = %+v, want client id only and no location", msg)
	}
	if msg.ReceivedAt != seedTime.Format(models.ReceivedAtLayout) {
		t.Errorf("ReceivedAt = %q", msg.ReceivedAt)
	}

	close(src.gate)
	waitFor(t, "submission", func() bool { return len(src.submissions()) == 1 })
	sub := src.submissions()[0]
	want := models.Submission{ClientID: msg.ClientID, Sender: models.Operator, Receiver: "PodA", Text: "hello"}
	if diff := cmp.Diff(want, sub); diff != "" {
		t.Errorf("submission mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_SendRejectsBlankInput(t *testing.T) {
	src := &fakeSource{}
	e := newTestEngine(t, src)
	before := e.Messages()

	tests := []struct{ target, text string }{
		{"PodA", "   "},
		{"", "hello"},
		{"  ", "hello"},
		{"PodA", ""},
		{"PodA", "\t\n"},
	}
	for _, tt := range tests {
		if _, ok := e.Send(tt.target, tt.text); ok {
			t.Errorf("Send(%q, %q) accepted", tt.target, tt.text)
		}
	}
	if diff := cmp.Diff(before, e.Messages()); diff != "" {
		t.Errorf("rejected sends changed list (-before +after):\n%s", diff)
	}
	if len(src.submissions()) != 0 {
		t.Errorf("submissions = %d, want 0", len(src.submissions()))
	}
}

func TestEngine_SendKeepsTextUntrimmed(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})
	msg, ok := e.Send("PodB", "  status?  ")
	if !ok {
		t.Fatal("Send rejected valid input")
	}
	if msg.Text != "  status?  " {
		t.Errorf("Text = %q, want untrimmed", msg.Text)
	}
}

func TestEngine_SendUniqueClientIDs(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		msg, ok := e.Send("PodB", "ping")
		if !ok {
			t.Fatal("Send rejected valid input")
		}
		if seen[msg.ClientID] {
			t.Fatalf("client id %q reused", msg.ClientID)
		}
		seen[msg.ClientID] = true
	}
}

func TestEngine_SendFailureKeepsOptimistic(t *testing.T) {
	src := &fakeSource{submitErr: errors.New("503")}
	e := newTestEngine(t, src)

	if _, ok := e.Send("PodC", "are you there"); !ok {
		t.Fatal("Send rejected valid input")
	}
	waitFor(t, "post-send refresh", func() bool { return src.fetchCount() >= 1 })

	if got := e.MessagesForNode("PodC"); len(got) != 1 || got[0].Text != "are you there" {
		t.Errorf("MessagesForNode(PodC) = %+v, want the optimistic message", got)
	}
}

func TestEngine_SendEchoNotDuplicated(t *testing.T) {
	src := &fakeSource{echo: true}
	e := newTestEngine(t, src)

	msg, ok := e.Send("PodA", "hello")
	if !ok {
		t.Fatal("Send rejected valid input")
	}
	waitFor(t, "post-send refresh", func() bool { return src.fetchCount() >= 1 })
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	msgs := e.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[3].ClientID != msg.ClientID {
		t.Errorf("last message = %+v, want the optimistic entry", msgs[3])
	}
	assertUniqueKeys(t, msgs)
}

func TestEngine_StaleRefreshKeepsConcurrentSend(t *testing.T) {
	src := &fakeSource{hold: make(chan struct{}), started: make(chan struct{})}
	src.setRemote(remoteMsg("a1", "PodB", models.Operator, "from store"))
	started := src.started
	hold := src.hold
	e := newTestEngine(t, src)

	done := make(chan error, 1)
	go func() { done <- e.Refresh(context.Background()) }()
	<-started

	if _, ok := e.Send("PodB", "sent while fetching"); !ok {
		t.Fatal("Send rejected valid input")
	}
	close(hold)
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	var texts []string
	for _, m := range e.MessagesForNode("PodB") {
		texts = append(texts, m.Text)
	}
	if diff := cmp.Diff([]string{"sent while fetching", "from store"}, texts); diff != "" {
		t.Errorf("PodB conversation mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_BootstrapInvariance(t *testing.T) {
	src := &fakeSource{echo: true}
	e := newTestEngine(t, src)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, ok := e.Send("PodB", fmt.Sprintf("ping %d", i)); !ok {
			t.Fatal("Send rejected valid input")
		}
		if err := e.Refresh(ctx); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		msgs := e.Messages()
		assertBootstrapHead(t, msgs)
		assertUniqueKeys(t, msgs)
	}
	waitFor(t, "all submissions", func() bool { return len(src.submissions()) == 10 })
}

func TestEngine_LatestLocation(t *testing.T) {
	src := &fakeSource{}
	src.setRemote(
		models.Message{ServerID: "l1", Sender: "PodD", Target: models.Operator, Location: "1.5,2.5"},
		models.Message{ServerID: "l2", Sender: "PodD", Target: models.Operator},
		models.Message{ServerID: "l3", Sender: "PodD", Target: models.Operator, Location: "3.25,4.75"},
		models.Message{ServerID: "l4", Sender: "PodD", Target: models.Operator, Location: "north"},
	)
	e := newTestEngine(t, src)
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	loc, ok := e.LatestLocation("PodD")
	if !ok || loc != (models.Location{Lat: 3.25, Lng: 4.75}) {
		t.Errorf("LatestLocation = %+v, %v; want 3.25,4.75", loc, ok)
	}
	if _, ok := e.LatestLocation("PodE"); ok {
		t.Error("LatestLocation(PodE) found a location for an unknown node")
	}
}

func TestEngine_SelectNode(t *testing.T) {
	e := newTestEngine(t, &fakeSource{}, func(o *Opts) { o.DefaultNode = "PodB" })

	if got := e.SelectedNode(); got != "PodB" {
		t.Errorf("SelectedNode = %q, want PodB", got)
	}
	if e.SelectNode("  ") {
		t.Error("SelectNode accepted blank name")
	}
	if !e.SelectNode("PodA") {
		t.Fatal("SelectNode(PodA) rejected")
	}

	v := e.Selected()
	if v.Node != "PodA" || len(v.Messages) != 3 {
		t.Errorf("Selected = %+v, want PodA with 3 messages", v)
	}
	if v.Location == nil || v.Location.String() != "9.9355,76.2659" {
		t.Errorf("Selected.Location = %v, want 9.9355,76.2659", v.Location)
	}
}

func TestEngine_Subscribe(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	e := newTestEngine(t, src)

	updates, cancel := e.Subscribe()
	if _, ok := e.Send("PodA", "hello"); !ok {
		t.Fatal("Send rejected valid input")
	}

	select {
	case u := <-updates:
		if len(u.Local) != 1 || u.Local[0].Text != "hello" || len(u.Remote) != 0 {
			t.Errorf("update = %+v, want one local message", u)
		}
		if u.Version != e.Version() {
			t.Errorf("update.Version = %d, want %d", u.Version, e.Version())
		}
	case <-time.After(time.Second):
		t.Fatal("no update after Send")
	}

	cancel()
	cancel()
	for range updates {
	}
	close(src.gate)
}

func TestEngine_CloseClosesSubscribers(t *testing.T) {
	e, err := New(Opts{Source: &fakeSource{}, NoPoll: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	updates, _ := e.Subscribe()
	e.Close()
	e.Close()

	if _, ok := <-updates; ok {
		t.Error("subscriber channel still open after Close")
	}
	if _, ok := e.Send("PodA", "late"); ok {
		t.Error("Send accepted after Close")
	}
	if err := e.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh after Close = %v, want ErrClosed", err)
	}
	late, _ := e.Subscribe()
	if _, ok := <-late; ok {
		t.Error("Subscribe after Close returned an open channel")
	}
}

func TestEngine_PollsUntilClose(t *testing.T) {
	src := &fakeSource{}
	e, err := New(Opts{Source: src, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	waitFor(t, "polling", func() bool { return src.fetchCount() >= 3 })
	e.Close()

	n := src.fetchCount()
	time.Sleep(50 * time.Millisecond)
	if got := src.fetchCount(); got != n {
		t.Errorf("fetches after Close = %d, want %d", got, n)
	}
}

func TestEngine_CloseWaitsForInflightSubmit(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	e, err := New(Opts{Source: src, NoPoll: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := e.Send("PodA", "bye"); !ok {
		t.Fatal("Send rejected valid input")
	}

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the stalled submission")
	}
}

func TestEngine_MetricsCountSends(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	src := &fakeSource{}
	e := newTestEngine(t, src, func(o *Opts) { o.Metrics = metrics })

	if _, ok := e.Send("PodA", "one"); !ok {
		t.Fatal("Send rejected valid input")
	}
	waitFor(t, "send metric", func() bool {
		return testutil.ToFloat64(metrics.sends.WithLabelValues("ok")) == 1
	})
	if got := testutil.ToFloat64(metrics.messages); got != 4 {
		t.Errorf("messages gauge = %v, want 4", got)
	}
}

func TestEngine_SinceTracksBaselineAndCursor(t *testing.T) {
	src := &fakeSource{}
	src.setRemote(remoteMsg("h1", "PodB", models.Operator, "history"))
	e := newTestEngine(t, src)

	if f := e.Since(0); f.Baseline != -1 || f.Next != 3 || len(f.Messages) != 3 {
		t.Fatalf("before refresh: %+v", f)
	}
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	f := e.Since(0)
	if f.Baseline != 4 || f.Next != 4 {
		t.Fatalf("after first refresh: baseline %d next %d, want 4 4", f.Baseline, f.Next)
	}

	src.setRemote(remoteMsg("h1", "PodB", models.Operator, "history"), remoteMsg("n1", "PodC", models.Operator, "new"))
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	f = e.Since(f.Next)
	if len(f.Messages) != 1 || f.Messages[0].ServerID != "n1" || f.Next != 5 || f.Baseline != 4 {
		t.Errorf("after second refresh: %+v", f)
	}
	if again := e.Since(f.Next); len(again.Messages) != 0 || again.Next != 5 {
		t.Errorf("caught-up cursor returned %+v", again)
	}
}

func TestEngine_SinceFailedRefreshKeepsNoBaseline(t *testing.T) {
	src := &fakeSource{fetchErr: errors.New("down")}
	e := newTestEngine(t, src)
	e.Refresh(context.Background())
	if f := e.Since(0); f.Baseline != -1 {
		t.Errorf("Baseline = %d after failed refresh, want -1", f.Baseline)
	}
}
