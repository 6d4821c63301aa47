package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcoin/internal/telemetry"
	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
)

const (
	DefaultDialTimeout = 3 * time.Second
	DefaultIOTimeout   = 10 * time.Second
)

// TCP sends each message on a fresh connection and reads any number of
// frames from every accepted connection.
type TCP struct {
	ln      net.Listener
	log     *zap.Logger
	handler Handler

	DialTimeout time.Duration
	IOTimeout   time.Duration

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds addr. Inbound messages go to h once Serve runs.
func Listen(addr string, h Handler, log *zap.Logger) (*TCP, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCP{
		ln:          ln,
		log:         log.Named("tcp"),
		handler:     h,
		DialTimeout: DefaultDialTimeout,
		IOTimeout:   DefaultIOTimeout,
		conns:       make(map[net.Conn]struct{}),
	}, nil
}

// Addr is the bound listen address.
func (t *TCP) Addr() string { return t.ln.Addr().String() }

// Serve accepts connections until ctx is done or Close is called.
func (t *TCP) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	t.log.Info("coin transport listening", zap.String("addr", t.Addr()))
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				t.wg.Wait()
				return nil
			}
			t.log.Warn("accept failed", zap.Error(err))
			continue
		}
		if !t.track(conn) {
			_ = conn.Close()
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *TCP) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer t.untrack(conn)
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	for {
		if t.IOTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.IOTimeout))
		}
		msg, err := coin.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.isClosed() {
				t.log.Warn("dropping connection", zap.String("peer", peer), zap.Error(err))
			}
			return
		}
		if t.handler != nil {
			t.handler(msg)
		}
	}
}

// Send dials addr, writes msg as one frame and closes the connection.
func (t *TCP) Send(addr string, msg coin.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	buf, err := coin.Encode(msg)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", addr, t.DialTimeout)
	if err != nil {
		telemetry.SendErrors.WithLabelValues(msg.Kind().String()).Inc()
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if t.IOTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.IOTimeout))
	}
	if _, err := conn.Write(buf); err != nil {
		telemetry.SendErrors.WithLabelValues(msg.Kind().String()).Inc()
		return fmt.Errorf("write %s to %s: %w", msg.Kind(), addr, err)
	}
	return nil
}

// Close stops accepting and closes open inbound connections.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()
	return t.ln.Close()
}

func (t *TCP) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TCP) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *TCP) untrack(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}
