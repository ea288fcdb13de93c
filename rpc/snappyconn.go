package rpc

import (
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"
)

var (
	flushInterval = 50 * time.Millisecond
)

func snappyDialer(d func(string, time.Duration) (net.Conn, error)) func(addr string, timeout time.Duration) (net.Conn, error) {
	return func(addr string, timeout time.Duration) (net.Conn, error) {
		return snappyWrap(d(addr, timeout))
	}
}

// SnappyListener wraps accepted connections in snappy compression.
type SnappyListener struct {
	net.Listener
}

func (sl *SnappyListener) Accept() (net.Conn, error) {
	return snappyWrap(sl.Listener.Accept())
}

func snappyWrap(conn net.Conn, err error) (net.Conn, error) {
	if err != nil {
		return nil, err
	}
	r := snappy.NewReader(conn)
	w := snappy.NewBufferedWriter(conn)
	sc := &snappyConn{Conn: conn, r: r, w: w, closed: make(chan interface{})}
	go sc.flushPeriodically()
	return sc, nil
}

type snappyConn struct {
	net.Conn
	r         *snappy.Reader
	w         *snappy.Writer
	flushMx   sync.Mutex
	closed    chan interface{}
	closeOnce sync.Once
}

func (sc *snappyConn) flushPeriodically() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.closed:
			return
		case <-ticker.C:
			sc.flushMx.Lock()
			err := sc.w.Flush()
			sc.flushMx.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (sc *snappyConn) Read(p []byte) (int, error) {
	return sc.r.Read(p)
}

func (sc *snappyConn) Write(p []byte) (int, error) {
	sc.flushMx.Lock()
	n, err := sc.w.Write(p)
	sc.flushMx.Unlock()
	return n, err
}

func (sc *snappyConn) Close() error {
	sc.closeOnce.Do(func() {
		close(sc.closed)
	})
	return sc.Conn.Close()
}
