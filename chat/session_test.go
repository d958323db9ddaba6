package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/go-cmp/cmp"
)

// fakeClient records commands. With ack set it echoes JOIN/PART back to the session like the
// server would. Like go-twitch-irc it never resends a JOIN for a channel it still tracks, and it
// refuses the first refuseDisconnect Disconnect calls the way an unwelcomed connection does.
type fakeClient struct {
	mu               sync.Mutex
	sess             *Session
	ack              bool
	tracked          map[string]bool
	joins            []string
	departs          []string
	connect          chan error
	refuseDisconnect int
	disconnectCalls  int
	disconnd         bool
}

func newFakeClient(ack bool) *fakeClient {
	return &fakeClient{ack: ack, tracked: make(map[string]bool), connect: make(chan error, 1)}
}

func (f *fakeClient) Join(channels ...string) {
	f.mu.Lock()
	var sent []string
	for _, c := range channels {
		if f.tracked[c] {
			continue
		}
		f.tracked[c] = true
		sent = append(sent, c)
	}
	f.joins = append(f.joins, sent...)
	sess, ack := f.sess, f.ack
	f.mu.Unlock()
	if ack && sess != nil {
		for _, c := range sent {
			sess.handleSelfJoin(twitch.UserJoinMessage{Channel: c, User: "justinfan1"})
		}
	}
}

func (f *fakeClient) Depart(channel string) {
	f.mu.Lock()
	delete(f.tracked, channel)
	f.departs = append(f.departs, channel)
	sess, ack := f.sess, f.ack
	f.mu.Unlock()
	if ack && sess != nil {
		sess.handleSelfPart(twitch.UserPartMessage{Channel: channel, User: "justinfan1"})
	}
}

func (f *fakeClient) Connect() error { return <-f.connect }

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	f.disconnectCalls++
	if f.disconnectCalls <= f.refuseDisconnect {
		f.mu.Unlock()
		return twitch.ErrConnectionIsNotOpen
	}
	f.disconnd = true
	f.mu.Unlock()
	select {
	case f.connect <- twitch.ErrClientDisconnected:
	default:
	}
	return nil
}

func (f *fakeClient) setAck(ack bool) {
	f.mu.Lock()
	f.ack = ack
	f.mu.Unlock()
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingSink) Submit(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func newTestSession(t *testing.T, ack bool, initial ...string) (*Session, *fakeClient, *recordingSink) {
	t.Helper()
	fc := newFakeClient(ack)
	sink := &recordingSink{}
	s := newSession(SessionConfig{Index: 0, JoinTimeout: 50 * time.Millisecond, SubmitTimeout: time.Second}, fc, initial, sink)
	fc.sess = s
	return s, fc, sink
}

func TestJoinBeforeConnect(t *testing.T) {
	s, _, _ := newTestSession(t, true)
	if err := s.Join(context.Background(), "foo"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Join() error = %v, want ErrNotConnected", err)
	}
	if _, ok := s.Channels(); ok {
		t.Error("Channels() ok before connect")
	}
}

func TestJoinPartAcknowledged(t *testing.T) {
	s, fc, _ := newTestSession(t, true)
	s.handleConnect()
	ctx := context.Background()

	if err := s.Join(ctx, "#Foo"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if err := s.Join(ctx, "bar"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	got, ok := s.Channels()
	if !ok {
		t.Fatal("Channels() not ok after connect")
	}
	if diff := cmp.Diff([]string{"bar", "foo"}, got); diff != "" {
		t.Errorf("Channels mismatch (-want +got):\n%s", diff)
	}

	if err := s.Part(ctx, "foo"); err != nil {
		t.Fatalf("Part() error: %v", err)
	}
	got, _ = s.Channels()
	if diff := cmp.Diff([]string{"bar"}, got); diff != "" {
		t.Errorf("Channels after part mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"foo", "bar"}, fc.joins); diff != "" {
		t.Errorf("JOIN commands mismatch (-want +got):\n%s", diff)
	}
}

func TestJoinPartNoOps(t *testing.T) {
	s, fc, _ := newTestSession(t, true)
	s.handleConnect()
	ctx := context.Background()

	if err := s.Part(ctx, "never"); err != nil {
		t.Fatalf("Part(unjoined) error: %v", err)
	}
	if err := s.Join(ctx, "foo"); err != nil {
		t.Fatal(err)
	}
	if err := s.Join(ctx, "foo"); err != nil {
		t.Fatalf("Join(joined) error: %v", err)
	}
	if len(fc.joins) != 1 {
		t.Errorf("sent %d JOINs, want 1", len(fc.joins))
	}
	if len(fc.departs) != 0 {
		t.Errorf("sent %d PARTs, want 0", len(fc.departs))
	}
}

func TestJoinAckTimeout(t *testing.T) {
	s, _, _ := newTestSession(t, false)
	s.handleConnect()

	err := s.Join(context.Background(), "silent")
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("Join() error = %v, want ErrAckTimeout", err)
	}
	if got, _ := s.Channels(); len(got) != 0 {
		t.Errorf("unacknowledged join recorded as membership: %v", got)
	}
}

func TestLateAckStillRecordsMembership(t *testing.T) {
	s, _, _ := newTestSession(t, false)
	s.handleConnect()

	done := make(chan error, 1)
	go func() { done <- s.Join(context.Background(), "slow") }()

	// Ack arrives before the timeout.
	time.Sleep(10 * time.Millisecond)
	s.handleSelfJoin(twitch.UserJoinMessage{Channel: "slow"})

	if err := <-done; err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if got, _ := s.Channels(); !cmp.Equal(got, []string{"slow"}) {
		t.Errorf("Channels() = %v", got)
	}
}

func TestReconnectClearsMembership(t *testing.T) {
	s, _, _ := newTestSession(t, true)
	s.handleConnect()
	if err := s.Join(context.Background(), "foo"); err != nil {
		t.Fatal(err)
	}
	s.handleConnect()
	if got, ok := s.Channels(); !ok || len(got) != 0 {
		t.Errorf("Channels() after reconnect = %v, %v", got, ok)
	}
}

func TestPrivateMessageForwarding(t *testing.T) {
	s, _, sink := newTestSession(t, true)

	s.handlePrivateMessage(twitch.PrivateMessage{Channel: "foo", Message: "one", Tags: map[string]string{"id": "1"}})
	s.handlePrivateMessage(twitch.PrivateMessage{Channel: "foo", Message: "bad", Tags: map[string]string{"color": "#fff"}})
	s.handlePrivateMessage(twitch.PrivateMessage{Channel: "foo", Message: "two", Tags: map[string]string{"id": "2"}})

	if len(sink.msgs) != 2 {
		t.Fatalf("forwarded %d messages, want 2", len(sink.msgs))
	}
	if sink.msgs[0].Tags.ID != "1" || sink.msgs[1].Tags.ID != "2" {
		t.Errorf("messages out of order: %q, %q", sink.msgs[0].Tags.ID, sink.msgs[1].Tags.ID)
	}
}

func TestRunJoinsInitialShardAndStopsOnCancel(t *testing.T) {
	s, fc, _ := newTestSession(t, true, "#A", "b")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	go s.handleConnect()
	if err := s.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() after cancel error = %v, want nil", err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if diff := cmp.Diff([]string{"a", "b"}, fc.joins); diff != "" {
		t.Errorf("initial JOINs mismatch (-want +got):\n%s", diff)
	}
	if !fc.disconnd {
		t.Error("client not disconnected on cancel")
	}
}

func TestRunReportsLostConnection(t *testing.T) {
	s, fc, _ := newTestSession(t, true)
	fc.connect <- errors.New("read: connection reset")

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run() returned nil for a dropped connection")
	}
	if _, ok := s.Channels(); ok {
		t.Error("session still reports connected after Run returned")
	}
}

func TestJoinRetriedAfterAckTimeout(t *testing.T) {
	s, fc, _ := newTestSession(t, false)
	s.handleConnect()
	ctx := context.Background()

	if err := s.Join(ctx, "dropped"); !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("first Join() error = %v, want ErrAckTimeout", err)
	}
	fc.setAck(true)
	if err := s.Join(ctx, "dropped"); err != nil {
		t.Fatalf("second Join() error: %v", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if diff := cmp.Diff([]string{"dropped", "dropped"}, fc.joins); diff != "" {
		t.Errorf("JOIN commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"dropped"}, fc.departs); diff != "" {
		t.Errorf("timed-out channel not released (-want +got):\n%s", diff)
	}
	if got, _ := s.Channels(); !cmp.Equal(got, []string{"dropped"}) {
		t.Errorf("Channels() = %v", got)
	}
}

func TestJoinCancelledReleasesChannel(t *testing.T) {
	s, fc, _ := newTestSession(t, false)
	s.handleConnect()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Join(ctx, "gone"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Join() error = %v, want context.Canceled", err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.tracked["gone"] {
		t.Error("client still tracks a channel whose join was cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) != 0 {
		t.Errorf("stale ack waiters left: %d", len(s.waiters))
	}
}

func TestRunStopsBeforeWelcome(t *testing.T) {
	s, fc, _ := newTestSession(t, false)
	fc.refuseDisconnect = 3
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() after cancel error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() still blocked after cancel")
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.disconnectCalls < 4 || !fc.disconnd {
		t.Errorf("Disconnect called %d times, disconnected=%v", fc.disconnectCalls, fc.disconnd)
	}
}

func TestRunAbandonsConnectionThatNeverCloses(t *testing.T) {
	prev := disconnectGrace
	disconnectGrace = 200 * time.Millisecond
	t.Cleanup(func() { disconnectGrace = prev })

	s, fc, _ := newTestSession(t, false)
	fc.refuseDisconnect = 1 << 30
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not give up on the connection")
	}
	if _, ok := s.Channels(); ok {
		t.Error("session reports connected after Run returned")
	}

	// Let the background retries finish so the client goroutine exits.
	fc.mu.Lock()
	fc.refuseDisconnect = 0
	fc.mu.Unlock()
}
