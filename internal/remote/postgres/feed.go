package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"werewolf-session/internal/remote"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Subscribe registers a subscription on the store's shared listener, dialing
// it first if no listener is running.
func (s *Store) Subscribe(ctx context.Context, table remote.Table, filter remote.Filter) (remote.Subscription, error) {
	if err := s.feed.start(ctx); err != nil {
		return nil, err
	}

	sub, err := s.feed.add(table, filter)
	if err != nil {
		return nil, err
	}

	zap.L().Debug(
		"postgres subscription opened",
		zap.String("table", string(table)),
		zap.String("filter", filter.String()),
	)

	return sub, nil
}

// listener owns one connection outside the pool that LISTENs on the change
// channel and fans every notification out to the matching subscriptions.
// When the connection dies every subscription gets the error and the next
// Subscribe dials again.
type listener struct {
	dial    func(ctx context.Context) (*pgx.Conn, error)
	channel string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	conn   *pgx.Conn
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func newListener(dial func(ctx context.Context) (*pgx.Conn, error), channel string) *listener {
	return &listener{
		dial:    dial,
		channel: channel,
		subs:    make(map[*subscription]struct{}),
	}
}

func (l *listener) start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return remote.ErrClosed
	}
	if l.conn != nil {
		return nil
	}

	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+quoteIdent(l.channel)); err != nil {
		conn.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.conn, l.cancel, l.done = conn, cancel, make(chan struct{})
	go l.run(runCtx, conn, l.done)

	zap.L().Info("postgres listener started", zap.String("channel", l.channel))
	return nil
}

func (l *listener) run(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close(context.Background())

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.fail(conn, fmt.Errorf("wait for notification: %w", err))
			return
		}
		l.dispatch(n.Payload)
	}
}

func (l *listener) add(table remote.Table, filter remote.Filter) (*subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, remote.ErrClosed
	}

	sub := &subscription{
		table:    table,
		filter:   filter,
		events:   make(chan remote.ChangeEvent, 16),
		errs:     make(chan error, 1),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		listener: l,
	}
	l.subs[sub] = struct{}{}
	go sub.pump()

	return sub, nil
}

func (l *listener) remove(sub *subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
}

// dispatch routes one notification payload. It holds mu so that every
// subscription sees commit order.
func (l *listener) dispatch(payload string) {
	var ev remote.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		zap.L().Warn("dropping malformed change notification", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for sub := range l.subs {
		if sub.table == ev.Table && sub.filter.Matches(ev) {
			sub.push(ev)
		}
	}
}

// fail hands err to every subscription and forgets them. conn is the
// connection that failed; a newer one is left alone.
func (l *listener) fail(conn *pgx.Conn, err error) {
	l.mu.Lock()
	if conn != nil && l.conn == conn {
		l.conn, l.cancel, l.done = nil, nil, nil
	}
	subs := l.subs
	l.subs = make(map[*subscription]struct{})
	l.mu.Unlock()

	zap.L().Warn("postgres listener failed", zap.Int("subscriptions", len(subs)), zap.Error(err))

	for sub := range subs {
		sub.fail(err)
	}
}

func (l *listener) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancel, done := l.cancel, l.done
	l.conn, l.cancel, l.done = nil, nil, nil
	subs := l.subs
	l.subs = make(map[*subscription]struct{})
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for sub := range subs {
		sub.Close()
	}
}

type subscription struct {
	table  remote.Table
	filter remote.Filter

	events chan remote.ChangeEvent
	errs   chan error

	mu     sync.Mutex
	queue  []remote.ChangeEvent
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	listener *listener
}

func (s *subscription) Events() <-chan remote.ChangeEvent { return s.events }
func (s *subscription) Errors() <-chan error              { return s.errs }

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.listener.remove(s)
	})
	return nil
}

func (s *subscription) push(ev remote.ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// pump moves queued events to the events channel so one slow consumer never
// stalls the shared listener.
func (s *subscription) pump() {
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}
