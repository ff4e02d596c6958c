package smtptest

import (
	"bytes"
	"net"
	"strings"
	"sync"
)

// maxLineLen caps how much of an unterminated line a trackedConn keeps.
const maxLineLen = 1024

// connStats counts client connections and QUIT commands so tests can check
// that a client always ends its session.
type connStats struct {
	mu     sync.Mutex
	opened int
	closed int
	quits  int
}

func (cs *connStats) add(opened, closed, quits int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.opened += opened
	cs.closed += closed
	cs.quits += quits
}

// trackingListener counts the connections it accepts.
type trackingListener struct {
	net.Listener
	stats *connStats
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.stats.add(1, 0, 0)
	return &trackedConn{Conn: c, stats: l.stats}, nil
}

// trackedConn counts its own close and the QUIT commands read from it.
// Commands are only visible before STARTTLS.
type trackedConn struct {
	net.Conn
	stats *connStats
	once  sync.Once
	// Partial command line. Only the server's read goroutine touches it.
	line []byte
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.scan(b[:n])
	return n, err
}

func (c *trackedConn) scan(p []byte) {
	c.line = append(c.line, p...)
	for {
		i := bytes.IndexByte(c.line, '\n')
		if i < 0 {
			break
		}
		if strings.EqualFold(strings.TrimRight(string(c.line[:i]), "\r"), "QUIT") {
			c.stats.add(0, 0, 1)
		}
		c.line = c.line[i+1:]
	}
	if len(c.line) > maxLineLen {
		c.line = nil
	}
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.stats.add(0, 1, 0)
	})
	return c.Conn.Close()
}

// Connections returns how many client connections the server has accepted
// and how many of those have been closed.
func (is *InProcessServer) Connections() (opened, closed int) {
	is.stats.mu.Lock()
	defer is.stats.mu.Unlock()
	return is.stats.opened, is.stats.closed
}

// Quits returns how many QUIT commands the server has read in the clear.
func (is *InProcessServer) Quits() int {
	is.stats.mu.Lock()
	defer is.stats.mu.Unlock()
	return is.stats.quits
}
