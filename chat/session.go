package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatfleet/telemetry"
)

var (
	// ErrNotConnected is returned by Join and Part before the connection is registered.
	ErrNotConnected = errors.New("chat: session not connected")
	// ErrAckTimeout is returned when the server did not echo our JOIN or PART in time.
	ErrAckTimeout = errors.New("chat: acknowledgement timeout")
)

// Shutdown pacing for a connection the server has not welcomed yet.
var (
	disconnectRetry = 100 * time.Millisecond
	disconnectGrace = 5 * time.Second
)

// Submitter accepts decoded messages. The ingestion router implements it.
type Submitter interface {
	Submit(ctx context.Context, msg Message) error
}

// ircClient is the subset of *twitch.Client a Session drives.
type ircClient interface {
	Join(channels ...string)
	Depart(channel string)
	Connect() error
	Disconnect() error
}

// SessionConfig configures one anonymous chat connection.
type SessionConfig struct {
	Index         int
	Address       string
	JoinTimeout   time.Duration
	SubmitTimeout time.Duration
}

type ackKey struct {
	join  bool
	login string
}

// Session is one anonymous IRC connection with a bounded channel list. Membership is what the
// server acknowledged, not what was requested.
type Session struct {
	cfg     SessionConfig
	client  ircClient
	sink    Submitter
	initial []string
	log     *slog.Logger

	mu        sync.Mutex
	connected bool
	members   map[string]struct{}
	waiters   map[ackKey]chan struct{}
	runCtx    context.Context

	ready     chan struct{}
	readyOnce sync.Once
}

// NewSession creates an anonymous session that joins initial once connected. Messages go to sink.
func NewSession(cfg SessionConfig, initial []string, sink Submitter) *Session {
	c := twitch.NewClient(fmt.Sprintf("justinfan%d", rand.Uint32()), "oauth:59301")
	if cfg.Address != "" {
		c.IrcAddress = cfg.Address
	}
	c.Capabilities = []string{twitch.TagsCapability, twitch.CommandsCapability}

	s := newSession(cfg, c, initial, sink)
	c.OnConnect(s.handleConnect)
	c.OnPrivateMessage(s.handlePrivateMessage)
	c.OnSelfJoinMessage(s.handleSelfJoin)
	c.OnSelfPartMessage(s.handleSelfPart)
	c.OnPingMessage(func(m twitch.PingMessage) {
		s.log.Debug("ping", slog.String("msg", m.Message))
	})
	c.OnNoticeMessage(func(m twitch.NoticeMessage) {
		s.log.Info("notice", slog.String("channel", m.Channel), slog.String("msg_id", m.MsgID), slog.String("text", m.Message))
	})
	c.OnReconnectMessage(func(twitch.ReconnectMessage) {
		s.log.Warn("server requested reconnect")
	})
	return s
}

func newSession(cfg SessionConfig, client ircClient, initial []string, sink Submitter) *Session {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	norm := make([]string, 0, len(initial))
	for _, l := range initial {
		norm = append(norm, normalize(l))
	}
	return &Session{
		cfg:     cfg,
		client:  client,
		sink:    sink,
		initial: norm,
		log:     slog.Default().With(slog.String("component", "chat"), slog.Int("session", cfg.Index)),
		members: make(map[string]struct{}),
		waiters: make(map[ackKey]chan struct{}),
		runCtx:  context.Background(),
		ready:   make(chan struct{}),
	}
}

func normalize(login string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "#"))
}

// Index is the session's stable position in the fleet.
func (s *Session) Index() int { return s.cfg.Index }

// Run connects and blocks until ctx is cancelled or the connection drops. A dropped connection
// while ctx is live is returned as an error.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	if len(s.initial) > 0 {
		s.client.Join(s.initial...)
	}

	s.log.Info("connecting", slog.Int("initial_channels", len(s.initial)))
	result := make(chan error, 1)
	go func() { result <- s.client.Connect() }()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = s.disconnect(result)
	}
	s.markDisconnected()

	if ctx.Err() != nil {
		s.log.Info("session stopped")
		return nil
	}
	if err == nil {
		err = errors.New("connection closed by server")
	}
	s.log.Error("connection lost", slog.Any("err", err))
	return fmt.Errorf("session %d: connection lost: %w", s.cfg.Index, err)
}

// disconnect asks the client to close until Connect returns. The client refuses while it has not
// been welcomed by the server, so the request is repeated. After disconnectGrace Run stops waiting
// and the retries continue in the background.
func (s *Session) disconnect(result <-chan error) error {
	_ = s.client.Disconnect()
	retry := time.NewTicker(disconnectRetry)
	defer retry.Stop()
	grace := time.NewTimer(disconnectGrace)
	defer grace.Stop()
	for {
		select {
		case err := <-result:
			return err
		case <-retry.C:
			_ = s.client.Disconnect()
		case <-grace.C:
			s.log.Warn("connection did not close in time, abandoning it", slog.Duration("grace", disconnectGrace))
			go func() {
				t := time.NewTicker(disconnectRetry)
				defer t.Stop()
				for {
					select {
					case <-result:
						return
					case <-t.C:
						_ = s.client.Disconnect()
					}
				}
			}()
			return nil
		}
	}
}

// WaitReady blocks until the first successful connection or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %d: %w", s.cfg.Index, ctx.Err())
	}
}

// Join joins login and waits for the server to confirm. Joining a joined channel is a no-op.
func (s *Session) Join(ctx context.Context, login string) error {
	login = normalize(login)
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := s.members[login]; ok {
		s.mu.Unlock()
		return nil
	}
	ack := s.waiterLocked(ackKey{join: true, login: login})
	s.mu.Unlock()

	s.client.Join(login)
	err := s.await(ctx, ack, "join", login)
	if err == nil {
		return nil
	}
	return s.abandonJoin(login, err)
}

// abandonJoin handles a join that was not acknowledged in time. The client remembers every channel
// it sent a JOIN for and never resends one, so it is told to forget the channel; the next Join then
// goes back on the wire. An ack that raced the timeout still counts as joined.
func (s *Session) abandonJoin(login string, err error) error {
	s.mu.Lock()
	_, joined := s.members[login]
	if !joined {
		delete(s.waiters, ackKey{join: true, login: login})
	}
	s.mu.Unlock()
	if joined {
		return nil
	}
	s.client.Depart(login)
	return err
}

// Part leaves login and waits for the server to confirm. Parting an unjoined channel is a no-op.
func (s *Session) Part(ctx context.Context, login string) error {
	login = normalize(login)
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := s.members[login]; !ok {
		s.mu.Unlock()
		return nil
	}
	ack := s.waiterLocked(ackKey{join: false, login: login})
	s.mu.Unlock()

	s.client.Depart(login)
	return s.await(ctx, ack, "part", login)
}

// Channels returns the acknowledged channel list, sorted. ok is false while not connected.
func (s *Session) Channels() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, false
	}
	out := make([]string, 0, len(s.members))
	for l := range s.members {
		out = append(out, l)
	}
	slices.Sort(out)
	return out, true
}

// waiterLocked returns the channel closed when key is acknowledged. Concurrent callers share it.
func (s *Session) waiterLocked(key ackKey) chan struct{} {
	if ch, ok := s.waiters[key]; ok {
		return ch
	}
	ch := make(chan struct{})
	s.waiters[key] = ch
	return ch
}

func (s *Session) await(ctx context.Context, ack <-chan struct{}, op, login string) error {
	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s %s: %w", op, login, ErrAckTimeout)
	}
}

func (s *Session) resolveLocked(key ackKey) {
	if ch, ok := s.waiters[key]; ok {
		close(ch)
		delete(s.waiters, key)
	}
}

func (s *Session) handleConnect() {
	s.mu.Lock()
	s.connected = true
	s.members = make(map[string]struct{})
	s.mu.Unlock()

	telemetry.SessionConnected(true)
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("connected")
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.members = make(map[string]struct{})
	s.mu.Unlock()
	if was {
		telemetry.SessionConnected(false)
	}
}

func (s *Session) handleSelfJoin(m twitch.UserJoinMessage) {
	login := normalize(m.Channel)
	s.mu.Lock()
	s.members[login] = struct{}{}
	s.resolveLocked(ackKey{join: true, login: login})
	s.mu.Unlock()
	s.log.Debug("joined", slog.String("channel", login))
}

func (s *Session) handleSelfPart(m twitch.UserPartMessage) {
	login := normalize(m.Channel)
	s.mu.Lock()
	delete(s.members, login)
	s.resolveLocked(ackKey{join: false, login: login})
	s.mu.Unlock()
	s.log.Debug("parted", slog.String("channel", login))
}

// handlePrivateMessage runs on the client's read loop, so messages of one session reach the sink in
// receipt order.
func (s *Session) handlePrivateMessage(pm twitch.PrivateMessage) {
	msg, err := FromPrivateMessage(pm)
	if err != nil {
		telemetry.CountDropped("decode")
		s.log.Warn("dropping undecodable message", slog.String("channel", pm.Channel), slog.Any("err", err))
		return
	}

	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.cfg.SubmitTimeout)
	defer cancel()
	if err := s.sink.Submit(ctx, msg); err != nil {
		s.log.Warn("message not queued", slog.String("channel", msg.Channel), slog.String("id", msg.Tags.ID), slog.Any("err", err))
	}
}
