package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"price_feed/internal/models"
)

// ServiceNotifier получает служебные сообщения о состоянии соединения.
// Реализация не должна блокировать.
type ServiceNotifier interface {
	SendService(ctx context.Context, format string, args ...any)
}

// StateListener is told when the stream goes up or down.
type StateListener interface {
	SetWSConnected(v bool)
}

// PairResolver translates asset symbols to feed pairs.
type PairResolver interface {
	Resolve(symbol string) (models.PairID, error)
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options of a subscribe request.
type Options struct {
	IncludeHistory bool
}

// Handle identifies the current connection attempt. The zero Handle means
// there is no connection.
type Handle struct {
	ID    uuid.UUID
	State State
}

func (h Handle) Valid() bool { return h.ID != uuid.Nil }

type ManagerConfig struct {
	Endpoint       string
	ReconnectDelay time.Duration
	HistoryDays    int
	BufferSize     int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectDelay: 5 * time.Second,
		HistoryDays:    14,
		BufferSize:     1024,
	}
}

type queued struct {
	req     Request
	payload []byte
}

// Manager owns the single streaming connection of a feed: the outbound
// queue, the set of tracked pairs and the reconnect loop.
type Manager struct {
	cfg      ManagerConfig
	pairs    PairResolver
	dialer   Dialer
	log      *zap.Logger
	notifier ServiceNotifier
	listener StateListener

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) timer

	frames chan Frame

	mu       sync.Mutex
	state    State
	attempt  uuid.UUID
	gen      uint64
	conn     Transport
	connDone chan struct{}
	cancel   context.CancelFunc
	retry    timer
	lost     bool
	queue    []queued
	subs     []models.PairID
	tracked  map[models.PairID]struct{}
}

func NewManager(
	cfg ManagerConfig,
	pairs PairResolver,
	dialer Dialer,
	log *zap.Logger,
	notifier ServiceNotifier,
	listener StateListener,
) *Manager {
	def := DefaultManagerConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = def.HistoryDays
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		cfg:       cfg,
		pairs:     pairs,
		dialer:    dialer,
		log:       log.Named("price_feed"),
		notifier:  notifier,
		listener:  listener,
		now:       time.Now,
		afterFunc: realAfterFunc,
		frames:    make(chan Frame, cfg.BufferSize),
		tracked:   make(map[models.PairID]struct{}),
	}
}

// Frames returns every inbound payload in arrival order. The channel is
// never closed; it outlives individual connections.
func (m *Manager) Frames() <-chan Frame {
	return m.frames
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Handle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleLocked()
}

// Tracked returns the subscription set in insertion order.
func (m *Manager) Tracked() []models.PairID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.PairID, len(m.subs))
	copy(out, m.subs)
	return out
}

// Subscribe starts tracking symbol. A symbol that is already tracked on an
// existing connection is not subscribed twice.
func (m *Manager) Subscribe(symbol string, opts Options) (Handle, error) {
	pair, err := m.pairs.Resolve(symbol)
	if err != nil {
		return Handle{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tracked[pair]; ok && m.state != StateDisconnected {
		return m.handleLocked(), nil
	}
	m.trackLocked(pair)
	return m.sendLocked(KindSubscribe, pair, opts), nil
}

func (m *Manager) Unsubscribe(symbol string) (Handle, error) {
	pair, err := m.pairs.Resolve(symbol)
	if err != nil {
		return Handle{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tracked[pair]; !ok {
		return m.handleLocked(), nil
	}
	m.untrackLocked(pair)
	return m.sendLocked(KindUnsubscribe, pair, Options{}), nil
}

// SubscribeMany subscribes each symbol in order. Only the handle of the last
// operation is returned; it stops at the first unknown symbol.
func (m *Manager) SubscribeMany(symbols []string, opts Options) (Handle, error) {
	var h Handle
	for _, sym := range symbols {
		var err error
		if h, err = m.Subscribe(sym, opts); err != nil {
			return h, err
		}
	}
	return h, nil
}

func (m *Manager) UnsubscribeMany(symbols []string) (Handle, error) {
	var h Handle
	for _, sym := range symbols {
		var err error
		if h, err = m.Unsubscribe(sym); err != nil {
			return h, err
		}
	}
	return h, nil
}

// CloseConnection unsubscribes every tracked pair, closes the transport and
// resets the manager so it can be used again.
func (m *Manager) CloseConnection() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := 0
	for _, pair := range m.subs {
		q, err := m.buildLocked(KindUnsubscribe, pair, Options{})
		if err != nil {
			m.log.Error("build unsubscribe", zap.String("pair", string(pair)), zap.Error(err))
			continue
		}
		if m.state != StateOpen {
			continue
		}
		if err := m.conn.Send(q.payload); err != nil {
			m.log.Warn("unsubscribe on close failed", zap.String("pair", string(pair)), zap.Error(err))
			continue
		}
		sent++
	}

	m.log.Info("closing price feed connection",
		zap.Stringer("attempt", m.attempt),
		zap.Int("tracked", len(m.subs)),
		zap.Int("unsubscribed", sent),
	)

	m.subs = nil
	m.tracked = make(map[models.PairID]struct{})
	m.queue = nil

	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}

	err := m.teardownLocked()
	m.state = StateDisconnected
	m.attempt = uuid.Nil
	m.lost = false
	return err
}

func (m *Manager) url() string {
	return strings.TrimRight(m.cfg.Endpoint, "/") + "/subscribe"
}

func (m *Manager) handleLocked() Handle {
	if m.state == StateDisconnected {
		return Handle{}
	}
	return Handle{ID: m.attempt, State: m.state}
}

func (m *Manager) trackLocked(pair models.PairID) {
	if _, ok := m.tracked[pair]; ok {
		return
	}
	m.tracked[pair] = struct{}{}
	m.subs = append(m.subs, pair)
}

func (m *Manager) untrackLocked(pair models.PairID) {
	delete(m.tracked, pair)
	for i, p := range m.subs {
		if p == pair {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *Manager) buildLocked(kind RequestKind, pair models.PairID, opts Options) (queued, error) {
	req := Request{Type: kind, Pair: pair}
	if opts.IncludeHistory {
		today := m.now().UTC()
		req.To = today.Format(dayLayout)
		req.From = today.AddDate(0, 0, -m.cfg.HistoryDays).Format(dayLayout)
	}

	payload, err := EncodeRequest(req)
	if err != nil {
		return queued{}, err
	}
	return queued{req: req, payload: payload}, nil
}

// sendLocked writes the request when the connection is open and queues it
// otherwise, starting a connection if none is in flight.
func (m *Manager) sendLocked(kind RequestKind, pair models.PairID, opts Options) Handle {
	q, err := m.buildLocked(kind, pair, opts)
	if err != nil {
		m.log.Error("build request", zap.String("pair", string(pair)), zap.Error(err))
		return m.handleLocked()
	}

	if m.state == StateOpen {
		if err := m.conn.Send(q.payload); err != nil {
			m.queue = append(m.queue, q)
			m.lostLocked(err)
		}
		return m.handleLocked()
	}

	m.queue = append(m.queue, q)
	m.connectLocked()
	return m.handleLocked()
}

// connectLocked starts a dial unless one is already in flight, open, or
// scheduled by the reconnect timer.
func (m *Manager) connectLocked() {
	if m.state == StateConnecting || m.state == StateOpen || m.retry != nil {
		return
	}

	m.gen++
	gen := m.gen
	m.attempt = uuid.New()
	m.state = StateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.log.Debug("connecting", zap.String("url", m.url()), zap.Stringer("attempt", m.attempt))
	go m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	t, err := m.dialer.Dial(ctx, m.url())

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		// closed or superseded while dialing
		if t != nil {
			_ = t.Close()
		}
		return
	}
	m.cancel = nil

	if err != nil {
		m.lostLocked(err)
		return
	}

	m.conn = t
	m.connDone = make(chan struct{})
	m.state = StateOpen
	m.log.Info("price feed connected",
		zap.Stringer("attempt", m.attempt),
		zap.Int("queued", len(m.queue)),
		zap.Int("tracked", len(m.subs)),
	)
	if m.listener != nil {
		m.listener.SetWSConnected(true)
	}
	if m.lost && m.notifier != nil {
		m.notifier.SendService(context.Background(), "✅ price feed: connection restored, resubscribing %d pairs", len(m.subs))
	}
	m.lost = false

	go m.readLoop(t, gen, m.connDone)

	for i, q := range m.queue {
		if err := t.Send(q.payload); err != nil {
			m.queue = m.queue[i:]
			m.lostLocked(err)
			return
		}
	}
	m.queue = nil
}

func (m *Manager) readLoop(t Transport, gen uint64, done <-chan struct{}) {
	for {
		data, err := t.Receive()
		if err != nil {
			m.mu.Lock()
			if gen == m.gen {
				m.lostLocked(err)
			}
			m.mu.Unlock()
			return
		}

		select {
		case m.frames <- Frame{Data: data, ReceivedAt: m.now()}:
		case <-done:
			return
		}
	}
}

// lostLocked handles any transport failure: the connection is dropped and a
// single reconnect is scheduled after the fixed delay.
func (m *Manager) lostLocked(cause error) {
	m.log.Warn("price feed connection lost",
		zap.Stringer("attempt", m.attempt),
		zap.Stringer("state", m.state),
		zap.Duration("retry_in", m.cfg.ReconnectDelay),
		zap.Error(cause),
	)
	// one alert per outage, not per failed dial
	if m.notifier != nil && !m.lost {
		m.notifier.SendService(context.Background(), "⚠️ price feed: connection lost (%v), reconnecting in %s", cause, m.cfg.ReconnectDelay)
	}

	_ = m.teardownLocked()
	m.state = StateClosed
	m.lost = true

	if m.retry == nil {
		m.retry = m.afterFunc(m.cfg.ReconnectDelay, m.reconnect)
	}
}

// reconnect resubscribes exactly the tracked set, then connects.
func (m *Manager) reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retry = nil
	if m.state != StateClosed {
		return
	}

	// a still-queued subscribe keeps its options; everything else is rebuilt
	pending := make(map[models.PairID]queued, len(m.queue))
	for _, q := range m.queue {
		if q.req.Type == KindSubscribe {
			pending[q.req.Pair] = q
		}
	}

	queue := make([]queued, 0, len(m.subs))
	for _, pair := range m.subs {
		if q, ok := pending[pair]; ok {
			queue = append(queue, q)
			continue
		}
		q, err := m.buildLocked(KindSubscribe, pair, Options{})
		if err != nil {
			m.log.Error("build resubscribe", zap.String("pair", string(pair)), zap.Error(err))
			continue
		}
		queue = append(queue, q)
	}
	m.queue = queue

	m.log.Info("reconnecting price feed", zap.Int("resubscribe", len(queue)))
	m.connectLocked()
}

// teardownLocked closes the live transport, cancels an in-flight dial and
// invalidates goroutines of the current attempt.
func (m *Manager) teardownLocked() error {
	m.gen++

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}

	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
		if m.listener != nil {
			m.listener.SetWSConnected(false)
		}
	}
	return err
}
