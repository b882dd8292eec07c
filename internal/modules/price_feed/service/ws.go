package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrTransportClosed = errors.New("transport closed")

type WSConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
	}
}

// WSDialer dials gorilla websocket connections.
type WSDialer struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	log    *zap.Logger
}

func NewWSDialer(cfg WSConfig, log *zap.Logger) *WSDialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSDialer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    log,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")

	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}

	t := &wsTransport{
		cfg:  d.cfg,
		conn: conn,
		log:  d.log,
		done: make(chan struct{}),
	}
	if d.cfg.PingInterval > 0 {
		go t.heartbeatLoop()
	}
	return t, nil
}

type wsTransport struct {
	cfg  WSConfig
	conn *websocket.Conn
	log  *zap.Logger

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return nil, ErrTransportClosed
			default:
				return nil, err
			}
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

// heartbeatLoop keeps idle connections from being dropped by proxies.
func (t *wsTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			wait := t.cfg.WriteTimeout
			if wait <= 0 {
				wait = time.Second
			}
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(wait))
			t.writeMu.Unlock()
			if err != nil {
				t.log.Debug("failed to send ping", zap.Error(err))
			}
		}
	}
}
