package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"werewolf-session/internal/remote"
)

type fakeFeed struct {
	mu     sync.Mutex
	fail   error
	starts int
	stops  int

	// runs inside Start after the subscriptions are up, with the start number
	onStart func(n int)
}

func (f *fakeFeed) Start(context.Context, string) error {
	f.mu.Lock()
	f.starts++
	n, fail, hook := f.starts, f.fail, f.onStart
	f.mu.Unlock()

	if fail == nil && hook != nil {
		hook(n)
	}
	return fail
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeFeed) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeFeed) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func newTestManager(cfg Config, f *fakeFeed) (*ConnectionManager, *Store) {
	store := newFixtureStore()
	m := NewConnectionManager(cfg, f, remote.NewMemoryStore(), store, NewPresence(time.Minute), store.bus)
	return m, store
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	base, limit := 100*time.Millisecond, 30*time.Second

	property := func(a uint8) bool {
		attempt := int(a)
		d, next := Backoff(base, limit, attempt), Backoff(base, limit, attempt+1)
		return d > 0 && d <= limit && next >= d
	}
	if err := quick.Check(property, nil); err != nil {
		t.Fatalf("backoff is not monotonic and capped: %v", err)
	}

	if got := Backoff(base, limit, 0); got != base {
		t.Fatalf("first delay = %v, want %v", got, base)
	}
	if got := Backoff(base, limit, 3); got != 800*time.Millisecond {
		t.Fatalf("fourth delay = %v, want 800ms", got)
	}
	if got := Backoff(base, limit, 1000); got != limit {
		t.Fatalf("huge attempt = %v, want cap %v", got, limit)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		latency time.Duration
		want    Quality
	}{
		{10 * time.Millisecond, QualityExcellent},
		{50 * time.Millisecond, QualityGood},
		{149 * time.Millisecond, QualityGood},
		{150 * time.Millisecond, QualityPoor},
		{2 * time.Second, QualityPoor},
	}
	for _, tc := range cases {
		if got := Classify(tc.latency, 50*time.Millisecond, 150*time.Millisecond); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.latency, got, tc.want)
		}
	}
}

func TestConnect_GivesUpAfterMaxAttempts(t *testing.T) {
	f := &fakeFeed{fail: errors.New("channel error")}
	m, store := newTestManager(testConfig(), f)

	if err := m.Connect(context.Background(), "abcdef"); err == nil {
		t.Fatalf("connect through a failing feed should report the error")
	}

	waitFor(t, "terminal state", func() bool { return m.Stats().Terminal })

	// One initial attempt plus three reconnects.
	if got := f.startCount(); got != 4 {
		t.Fatalf("feed started %d times, want 4", got)
	}
	if !errors.Is(store.Err(), ErrReconnectExhausted) {
		t.Fatalf("store error = %v, want ErrReconnectExhausted", store.Err())
	}
	if st := m.Stats(); st.State != StateDisconnected || st.Quality != QualityDisconnected {
		t.Fatalf("unexpected terminal stats %+v", st)
	}

	time.Sleep(50 * time.Millisecond)
	if got := f.startCount(); got != 4 {
		t.Fatalf("reconnect attempted after giving up: %d starts", got)
	}
}

func TestForceReconnect_ResetsBudget(t *testing.T) {
	f := &fakeFeed{fail: errors.New("channel error")}
	m, store := newTestManager(testConfig(), f)

	_ = m.Connect(context.Background(), "ABCDEF")
	waitFor(t, "terminal state", func() bool { return m.Stats().Terminal })

	f.setFail(nil)
	if err := m.ForceReconnect(context.Background()); err != nil {
		t.Fatalf("force reconnect: %v", err)
	}

	st := m.Stats()
	if st.State != StateConnected || st.Attempt != 0 || st.Terminal {
		t.Fatalf("unexpected stats after force reconnect %+v", st)
	}
	if store.Err() != nil {
		t.Fatalf("exhausted error not cleared: %v", store.Err())
	}
}

func TestVisibilityRegained(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBase = time.Hour
	cfg.ReconnectCap = time.Hour
	f := &fakeFeed{fail: errors.New("offline")}
	m, _ := newTestManager(cfg, f)

	_ = m.Connect(context.Background(), "ABCDEF")
	if st := m.Stats(); st.State != StateReconnecting || st.Attempt != 1 {
		t.Fatalf("unexpected stats after failed connect %+v", st)
	}

	f.setFail(nil)
	if err := m.VisibilityRegained(context.Background()); err != nil {
		t.Fatalf("visibility regained: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := f.startCount(); got != 2 {
		t.Fatalf("feed started %d times, want 2", got)
	}

	// Already connected: nothing to do.
	if err := m.VisibilityRegained(context.Background()); err != nil {
		t.Fatalf("visibility regained while connected: %v", err)
	}
	if got := f.startCount(); got != 2 {
		t.Fatalf("connected manager reconnected on visibility")
	}
}

func TestVisibilityRegained_FailureCountsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBase = time.Hour
	cfg.ReconnectCap = time.Hour
	f := &fakeFeed{fail: errors.New("offline")}
	m, _ := newTestManager(cfg, f)

	_ = m.Connect(context.Background(), "ABCDEF")
	if got := m.Stats().Attempt; got != 1 {
		t.Fatalf("attempt after failed connect = %d, want 1", got)
	}

	if err := m.VisibilityRegained(context.Background()); err == nil {
		t.Fatalf("visibility retry through a failing feed should report the error")
	}
	if got := m.Stats().Attempt; got != 2 {
		t.Fatalf("attempt after failed visibility retry = %d, want 2", got)
	}
}

func TestVisibilityRegained_RespectsBudget(t *testing.T) {
	f := &fakeFeed{fail: errors.New("offline")}
	m, _ := newTestManager(testConfig(), f)

	_ = m.Connect(context.Background(), "ABCDEF")
	waitFor(t, "terminal state", func() bool { return m.Stats().Terminal })

	if err := m.VisibilityRegained(context.Background()); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("want ErrReconnectExhausted, got %v", err)
	}
}

func TestConnect_FeedErrorWhileStartingFailsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBase = 30 * time.Millisecond
	cfg.ReconnectCap = 30 * time.Millisecond
	f := &fakeFeed{}
	m, _ := newTestManager(cfg, f)
	f.onStart = func(n int) {
		if n == 1 {
			// A subscription drops before the manager has marked the
			// connection up.
			m.HandleFeedError(errors.New("subscription dropped"))
		}
	}

	if err := m.Connect(context.Background(), "ABCDEF"); err == nil {
		t.Fatalf("connect should report the feed error raised while starting")
	}
	if st := m.Stats(); st.State == StateConnected {
		t.Fatalf("manager reports connected over a dead feed: %+v", st)
	}

	waitFor(t, "reconnect", func() bool { return f.startCount() == 2 && m.State() == StateConnected })
	if got := m.Stats().Attempt; got != 0 {
		t.Fatalf("attempt after successful reconnect = %d, want 0", got)
	}
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBase = 20 * time.Millisecond
	cfg.ReconnectCap = 20 * time.Millisecond
	f := &fakeFeed{fail: errors.New("offline")}
	m, _ := newTestManager(cfg, f)

	_ = m.Connect(context.Background(), "ABCDEF")
	m.Disconnect()

	time.Sleep(60 * time.Millisecond)
	if got := f.startCount(); got != 1 {
		t.Fatalf("reconnect ran after disconnect: %d starts", got)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestHandleFeedError_IgnoredUnlessConnected(t *testing.T) {
	f := &fakeFeed{}
	m, _ := newTestManager(testConfig(), f)

	m.HandleFeedError(errors.New("too early"))
	if got := f.startCount(); got != 0 {
		t.Fatalf("feed error before connect started the feed")
	}

	if err := m.Connect(context.Background(), "ABCDEF"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.HandleFeedError(errors.New("channel closed"))

	waitFor(t, "reconnect", func() bool { return f.startCount() == 2 && m.State() == StateConnected })
}

func TestProbe_RecordsLatency(t *testing.T) {
	f := &fakeFeed{}
	store := newFixtureStore()
	rs := remote.NewMemoryStore()
	if _, err := rs.CreateGame(context.Background(), remote.GameRow{ID: "g1", RoomCode: "ABCDEF", Phase: "day"}); err != nil {
		t.Fatalf("create game: %v", err)
	}
	presence := NewPresence(time.Minute)
	m := NewConnectionManager(testConfig(), f, rs, store, presence, store.bus)

	if err := m.Connect(context.Background(), "ABCDEF"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	st := m.Stats()
	if st.LastHeartbeat.IsZero() {
		t.Fatalf("probe did not record a heartbeat")
	}
	if st.Quality == QualityDisconnected {
		t.Fatalf("connected manager reports disconnected quality")
	}
	if presence.IsDisconnected("system") {
		t.Fatalf("probe without a local player should touch the system id")
	}
}
