// Package admission sheds load at the transport boundary. Once the number of
// open connections reaches the configured maximum, newly accepted connections
// get a fixed HTTP/1.0 503 page and are closed without reading the request.
package admission

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gitea.jw6.us/james/calsched/internal/logging"
	"gitea.jw6.us/james/calsched/internal/metrics"
)

const overloadedBody = "<html><head><title>503 Service Unavailable</title></head>" +
	"<body><h1>Service Unavailable</h1>" +
	"The server is currently overloaded, please try again later.</body></html>"

const rejectWriteTimeout = 5 * time.Second

// OverloadedResponse renders the 503 page sent to shed connections.
func OverloadedResponse(retryAfter int) []byte {
	return []byte(fmt.Sprintf("HTTP/1.0 503 Service Unavailable\r\n"+
		"Content-Type: text/html\r\n"+
		"Retry-After: %d\r\n"+
		"Connection: close\r\n\r\n"+
		"%s", retryAfter, overloadedBody))
}

// RetryAfterRange returns the inclusive bounds of the jittered Retry-After
// value for a configured retry delay.
func RetryAfterRange(retryAfter time.Duration) (int, int) {
	secs := retryAfter.Seconds()
	return int(secs * 0.5), int(secs * 1.5)
}

// Listener wraps a net.Listener and counts the connections it hands out.
type Listener struct {
	net.Listener

	max        int64
	retryAfter time.Duration
	logger     logging.Logger
	open       atomic.Int64
	rejected   atomic.Int64
	intN       func(n int) int
}

// NewListener returns a Listener that admits at most maxConns concurrent
// connections.
func NewListener(inner net.Listener, maxConns int, retryAfter time.Duration, logger logging.Logger) *Listener {
	if logger == nil {
		logger = logging.Discard()
	}
	if maxConns < 1 {
		maxConns = 1
	}
	return &Listener{
		Listener:   inner,
		max:        int64(maxConns),
		retryAfter: retryAfter,
		logger:     logger,
		intN:       rand.IntN,
	}
}

// Accept returns the next admitted connection. Connections over the limit are
// answered and closed in the background and never returned.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if n := l.open.Add(1); n > l.max {
			l.open.Add(-1)
			l.rejected.Add(1)
			metrics.ObserveAdmissionRejected()
			go l.reject(conn, n-1)
			continue
		}
		metrics.SetOpenConnections(int(l.open.Load()))
		return &trackedConn{Conn: conn, l: l}, nil
	}
}

// Open reports the number of admitted connections not yet closed.
func (l *Listener) Open() int {
	return int(l.open.Load())
}

// Rejected reports how many connections were shed.
func (l *Listener) Rejected() int {
	return int(l.rejected.Load())
}

func (l *Listener) retryAfterSeconds() int {
	lo, hi := RetryAfterRange(l.retryAfter)
	if hi <= lo {
		return lo
	}
	return lo + l.intN(hi-lo+1)
}

func (l *Listener) reject(conn net.Conn, open int64) {
	defer conn.Close()

	retryAfter := l.retryAfterSeconds()
	l.logger.Warn(context.Background(), "connection rejected, server overloaded",
		"remote_addr", conn.RemoteAddr().String(), "open", open, "retry_after", retryAfter)

	_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	if _, err := conn.Write(OverloadedResponse(retryAfter)); err != nil {
		l.logger.Debug(context.Background(), "write overloaded response", "error", err)
	}
}

func (l *Listener) release() {
	metrics.SetOpenConnections(int(l.open.Add(-1)))
}

type trackedConn struct {
	net.Conn
	l    *Listener
	once sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.l.release)
	return err
}
