package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"price_feed/internal/catalog"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	sendErr error

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case d := <-f.inbox:
		return d, nil
	case <-f.done:
		return nil, ErrTransportClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

// drop simulates the remote side going away.
func (f *fakeTransport) drop() { _ = f.Close() }

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeTransport
	errs  []error // consumed one per dial
	gate  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	t := newFakeTransport()
	d.conns = append(d.conns, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeClock struct {
	mu      sync.Mutex
	delays  []time.Duration
	fns     []func()
	stopped []bool
}

type fakeTimer struct {
	c   *fakeClock
	idx int
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.c.stopped[t.idx]
	t.c.stopped[t.idx] = true
	return was
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	c.stopped = append(c.stopped, false)
	return &fakeTimer{c: c, idx: len(c.fns) - 1}
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

// fire runs the i-th scheduled callback as if its timer expired.
func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	f := c.fns[i]
	c.mu.Unlock()
	f()
}

type connListener struct {
	mu     sync.Mutex
	states []bool
	ticks  int
}

func (l *connListener) SetWSConnected(v bool) {
	l.mu.Lock()
	l.states = append(l.states, v)
	l.mu.Unlock()
}

func (l *connListener) TouchTick(time.Time) {
	l.mu.Lock()
	l.ticks++
	l.mu.Unlock()
}

func (l *connListener) tickCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) SendService(_ context.Context, format string, _ ...any) {
	n.mu.Lock()
	n.msgs = append(n.msgs, format)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

var fixedNow = time.Date(2024, 3, 20, 15, 4, 5, 0, time.UTC)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(map[string]string{
		"EUR":  "EURUSD",
		"jEUR": "EURUSD",
		"jGBP": "GBPUSD",
		"jCHF": "USDCHF",
		"jXAU": "XAUUSD",
	}, []string{"GBPUSD", "USDCHF"})
	require.NoError(t, err)
	return c
}

type testRig struct {
	m        *Manager
	dialer   *fakeDialer
	clock    *fakeClock
	listener *connListener
	notifier *recordingNotifier
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	r := &testRig{
		dialer:   &fakeDialer{},
		clock:    &fakeClock{},
		listener: &connListener{},
		notifier: &recordingNotifier{},
	}
	r.m = NewManager(ManagerConfig{Endpoint: "wss://feed.example/"}, testCatalog(t), r.dialer, nil, r.notifier, r.listener)
	r.m.now = func() time.Time { return fixedNow }
	r.m.afterFunc = r.clock.afterFunc

	t.Cleanup(func() { _ = r.m.CloseConnection() })
	return r
}

func (r *testRig) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.m.State() == want }, time.Second, 5*time.Millisecond,
		"manager never reached %s", want)
}
