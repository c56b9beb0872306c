package terminal

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// TCP is a ser2net-style TCP-bridged serial terminal: the remote end
// owns the physical UART, we just relay bytes over a TCP socket.
type TCP struct {
	conn net.Conn

	bytesRx uint64
	bytesTx uint64
}

// NewTCP builds an unconnected TCP terminal.
func NewTCP() *TCP { return &TCP{} }

// Open dials host:port with a 10s connect timeout and TCP_NODELAY, per
// the low-latency requirement of interactive terminal traffic.
func (t *TCP) Open(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	t.conn = conn
	return nil
}

// Close closes the socket.
func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// Write sends data and updates the TX byte counter.
func (t *TCP) Write(data []byte) (int, error) {
	if t.conn == nil {
		return 0, fmt.Errorf("TCP terminal not connected")
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	n, err := t.conn.Write(data)
	atomic.AddUint64(&t.bytesTx, uint64(n))
	return n, err
}

// Stats returns a snapshot of the lifetime byte counters.
func (t *TCP) Stats() Stats {
	return Stats{
		BytesRx: atomic.LoadUint64(&t.bytesRx),
		BytesTx: atomic.LoadUint64(&t.bytesTx),
	}
}

// Run mirrors Local.Run's batching contract over the TCP socket. A
// zero-byte read (as opposed to a timeout) means the peer closed the
// connection.
func (t *TCP) Run(ctx context.Context, onData func([]byte), onStatus func(connected bool, err error)) error {
	if t.conn == nil {
		return fmt.Errorf("TCP terminal not connected")
	}

	var batch []byte
	flushTimer := time.NewTimer(batchFlushEvery)
	defer flushTimer.Stop()

	readCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			_ = t.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
			n, err := t.conn.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					select {
					case <-ctx.Done():
						return
					default:
						continue
					}
				}
				errCh <- err
				return
			}
			if n == 0 {
				errCh <- fmt.Errorf("connection closed by peer")
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			readCh <- chunk
		}
	}()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		onData(batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			onStatus(false, nil)
			return nil
		case err := <-errCh:
			flush()
			onStatus(false, err)
			return err
		case chunk := <-readCh:
			atomic.AddUint64(&t.bytesRx, uint64(len(chunk)))
			batch = append(batch, chunk...)
			if len(batch) >= batchFlushBytes {
				flush()
				flushTimer.Reset(batchFlushEvery)
			}
		case <-flushTimer.C:
			flush()
			flushTimer.Reset(batchFlushEvery)
		}
	}
}
