// Package fleet keeps a fixed pool of chat sessions joined to the current top channels.
//
// Sessions start with a shuffled shard of the first discovery result (see Assign). From then on a
// reconciliation pass runs every interval: it rediscovers the top channels, plans the minimal set of
// joins and parts over the sessions' acknowledged memberships (see Plan) and applies it. A part is
// only issued after the join replacing it succeeded.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/onnwee/chatfleet/telemetry"
)

// ErrNotReady is returned by Reconcile when a session cannot report its membership.
var ErrNotReady = errors.New("fleet: session membership unknown")

// Session is one chat connection as the fleet sees it. *chat.Session implements it.
type Session interface {
	Join(ctx context.Context, login string) error
	Part(ctx context.Context, login string) error
	Channels() ([]string, bool)
}

// Discoverer returns up to n channel logins ranked by viewers. *twitchapi.Discovery implements it.
type Discoverer interface {
	TopChannels(ctx context.Context, n int) []string
}

// Config holds the fleet knobs.
type Config struct {
	TopChannels int
	Capacity    int
	Interval    time.Duration
	JoinRate    float64 // joins per second across the fleet
	JoinBurst   int
	Clock       clockwork.Clock
}

// Result summarises one reconciliation pass.
type Result struct {
	Desired    int  `json:"desired"`
	Joined     int  `json:"joined"`
	Parted     int  `json:"parted"`
	JoinFailed int  `json:"join_failed"`
	PartFailed int  `json:"part_failed"`
	Kept       int  `json:"kept_stale"`
	Skipped    bool `json:"skipped"`
}

// SessionStatus is one session in a Status snapshot.
type SessionStatus struct {
	Index     int      `json:"index"`
	Connected bool     `json:"connected"`
	Channels  []string `json:"channels"`
}

// Status is a point-in-time view of the fleet.
type Status struct {
	Sessions      []SessionStatus `json:"sessions"`
	Joined        int             `json:"joined"`
	Capacity      int             `json:"capacity_per_session"`
	LastReconcile time.Time       `json:"last_reconcile"`
	LastResult    Result          `json:"last_result"`
}

// Fleet owns the sessions and drives reconciliation.
type Fleet struct {
	sessions []Session
	disc     Discoverer
	cfg      Config
	limiter  *rate.Limiter
	log      *slog.Logger

	mu         sync.Mutex
	lastAt     time.Time
	lastResult Result
}

// New builds a Fleet over sessions. The session count is fixed for the fleet's lifetime.
func New(sessions []Session, disc Discoverer, cfg Config) *Fleet {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.JoinRate > 0 {
		limit = rate.Limit(cfg.JoinRate)
	}
	burst := cfg.JoinBurst
	if burst <= 0 {
		burst = 1
	}
	return &Fleet{
		sessions: sessions,
		disc:     disc,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		log:      slog.Default().With(slog.String("component", "fleet")),
	}
}

// Assign fetches the top n channels and splits them, shuffled, into contiguous shards of capacity,
// one per session. Shards past the end of the discovery result are empty; they are filled later by
// reconciliation.
func Assign(ctx context.Context, disc Discoverer, n, capacity, sessions int, rng *rand.Rand) [][]string {
	logins := Cleanup(disc.TopChannels(ctx, n))
	if len(logins) < n {
		slog.Warn("discovery returned fewer channels than requested", slog.String("component", "fleet"),
			slog.Int("requested", n), slog.Int("returned", len(logins)))
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	rng.Shuffle(len(logins), func(i, j int) { logins[i], logins[j] = logins[j], logins[i] })

	shards := make([][]string, sessions)
	for i := range shards {
		lo := min(i*capacity, len(logins))
		hi := min(lo+capacity, len(logins))
		shards[i] = logins[lo:hi:hi]
	}
	return shards
}

// Run reconciles every interval until ctx is cancelled.
func (f *Fleet) Run(ctx context.Context) error {
	ticker := f.cfg.Clock.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	f.log.Info("reconcile loop started", slog.Duration("interval", f.cfg.Interval), slog.Int("sessions", len(f.sessions)))
	for {
		select {
		case <-ctx.Done():
			f.log.Info("reconcile loop stopped")
			return nil
		case <-ticker.Chan():
			f.pass(ctx)
		}
	}
}

// pass runs one discover-then-reconcile cycle under its own correlation id.
func (f *Fleet) pass(ctx context.Context) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerFleet, "fleet.reconcile")
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "fleet"))

	var (
		res Result
		err error
	)
	telemetry.TimeFunc(telemetry.ReconcileDuration, func() {
		desired := f.disc.TopChannels(ctx, f.cfg.TopChannels)
		res, err = f.Reconcile(ctx, desired)
	})
	span.SetAttributes(
		attribute.Int("desired", res.Desired),
		attribute.Int("joined", res.Joined),
		attribute.Int("parted", res.Parted),
	)
	telemetry.EndSpan(span, err)

	switch {
	case errors.Is(err, ErrNotReady):
		log.Warn("reconcile skipped", slog.Any("err", err))
	case err != nil:
		log.Error("reconcile failed", slog.Any("err", err))
	default:
		log.Info("reconcile complete",
			slog.Int("desired", res.Desired),
			slog.Int("joined", res.Joined),
			slog.Int("parted", res.Parted),
			slog.Int("join_failed", res.JoinFailed),
			slog.Int("part_failed", res.PartFailed),
			slog.Int("kept_stale", res.Kept))
	}
}

// Reconcile moves the sessions toward desired. If any session cannot report its membership the
// pass is skipped with ErrNotReady and nothing is sent. Individual join or part failures are
// logged and counted in the Result; they never abort the pass.
func (f *Fleet) Reconcile(ctx context.Context, desired []string) (Result, error) {
	members := make([][]string, len(f.sessions))
	for i, s := range f.sessions {
		ms, ok := s.Channels()
		if !ok {
			telemetry.CountReconcileSkipped()
			res := Result{Skipped: true}
			f.record(res)
			return res, fmt.Errorf("session %d: %w", i, ErrNotReady)
		}
		members[i] = ms
	}

	desired = Cleanup(desired)
	plan := Plan(members, desired, f.cfg.Capacity)
	res := f.Apply(ctx, plan)
	res.Desired = len(desired)

	total := 0
	for _, s := range f.sessions {
		if ms, ok := s.Channels(); ok {
			total += len(ms)
		}
	}
	telemetry.SetJoinedChannels(total)
	f.record(res)
	return res, ctx.Err()
}

// Apply issues the plan, one goroutine per session. Joins share the fleet's rate limiter.
func (f *Fleet) Apply(ctx context.Context, plan []Assignment) Result {
	var (
		mu  sync.Mutex
		res Result
	)
	add := func(r Result) {
		mu.Lock()
		res.Joined += r.Joined
		res.Parted += r.Parted
		res.JoinFailed += r.JoinFailed
		res.PartFailed += r.PartFailed
		res.Kept += r.Kept
		mu.Unlock()
	}

	var g errgroup.Group
	for i, a := range plan {
		if i >= len(f.sessions) {
			break
		}
		s := f.sessions[i]
		g.Go(func() error {
			add(f.applyOne(ctx, i, s, a))
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (f *Fleet) applyOne(ctx context.Context, idx int, s Session, a Assignment) Result {
	res := Result{Kept: len(a.Kept)}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "fleet"), slog.Int("session", idx))

	join := func(login string) bool {
		if err := f.limiter.Wait(ctx); err != nil {
			return false
		}
		err := s.Join(ctx, login)
		telemetry.CountJoin(err)
		if err != nil {
			res.JoinFailed++
			log.Warn("join failed", slog.String("channel", login), slog.Any("err", err))
			return false
		}
		res.Joined++
		return true
	}

	for _, sw := range a.Swaps {
		if ctx.Err() != nil {
			return res
		}
		if !join(sw.Join) {
			continue
		}
		err := s.Part(ctx, sw.Part)
		telemetry.CountPart(err)
		if err != nil {
			res.PartFailed++
			log.Warn("part failed", slog.String("channel", sw.Part), slog.Any("err", err))
			continue
		}
		res.Parted++
	}
	for _, login := range a.Joins {
		if ctx.Err() != nil {
			return res
		}
		join(login)
	}
	return res
}

// PartAll leaves every joined channel on every session. Failures are logged and otherwise ignored.
func (f *Fleet) PartAll(ctx context.Context) {
	var g errgroup.Group
	for i, s := range f.sessions {
		g.Go(func() error {
			ms, ok := s.Channels()
			if !ok {
				return nil
			}
			for _, l := range ms {
				if ctx.Err() != nil {
					return nil
				}
				if err := s.Part(ctx, l); err != nil {
					f.log.Debug("part on shutdown failed", slog.Int("session", i), slog.String("channel", l), slog.Any("err", err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	f.log.Info("parted all channels")
}

// Snapshot reports each session's acknowledged membership and the last pass result.
func (f *Fleet) Snapshot() Status {
	st := Status{Sessions: make([]SessionStatus, len(f.sessions)), Capacity: f.cfg.Capacity}
	for i, s := range f.sessions {
		ms, ok := s.Channels()
		if ms == nil {
			ms = []string{}
		}
		st.Sessions[i] = SessionStatus{Index: i, Connected: ok, Channels: ms}
		st.Joined += len(ms)
	}
	f.mu.Lock()
	st.LastReconcile = f.lastAt
	st.LastResult = f.lastResult
	f.mu.Unlock()
	return st
}

func (f *Fleet) record(res Result) {
	f.mu.Lock()
	f.lastAt = f.cfg.Clock.Now()
	f.lastResult = res
	f.mu.Unlock()
}
