// Package terminal implements the local-serial and TCP-bridged serial
// data planes. Both run their blocking I/O on a dedicated goroutine and
// hand batched byte events back through callbacks, so the caller's
// event loop (the command/event bus) never blocks on a port read.
package terminal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Config describes the full local-serial parameter matrix a terminal
// front end needs to expose.
type Config struct {
	BaudRate    int
	DataBits    int    // 5, 6, 7, 8
	StopBits    string // "1", "1.5", "2"
	Parity      string // "none", "odd", "even", "mark", "space"
	FlowControl string // "none", "hardware", "software"
}

// Stats are lifetime byte counters surfaced to serial-status events.
type Stats struct {
	BytesRx uint64
	BytesTx uint64
}

// Local is a locally attached serial port.
type Local struct {
	cfg  Config
	port serial.Port

	bytesRx uint64
	bytesTx uint64
}

// NewLocal builds a Local terminal for the given parameter matrix.
func NewLocal(cfg Config) *Local {
	return &Local{cfg: cfg}
}

func (l *Local) mode() (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: l.cfg.BaudRate, DataBits: l.cfg.DataBits}

	switch l.cfg.Parity {
	case "", "none":
		m.Parity = serial.NoParity
	case "odd":
		m.Parity = serial.OddParity
	case "even":
		m.Parity = serial.EvenParity
	case "mark":
		m.Parity = serial.MarkParity
	case "space":
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unknown parity %q", l.cfg.Parity)
	}

	switch l.cfg.StopBits {
	case "", "1":
		m.StopBits = serial.OneStopBit
	case "1.5":
		m.StopBits = serial.OnePointFiveStopBits
	case "2":
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unknown stop bits %q", l.cfg.StopBits)
	}

	return m, nil
}

// Open attempts to open portName, retrying once on initial failure —
// some USB-serial adapters need a second open right after enumeration
// settles.
func (l *Local) Open(portName string) error {
	mode, err := l.mode()
	if err != nil {
		return err
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		if port != nil {
			port.Close()
		}
		port, err = serial.Open(portName, mode)
		if err != nil {
			return fmt.Errorf("opening serial port %s: %w", portName, err)
		}
	}

	if l.cfg.FlowControl == "hardware" {
		if err := port.SetRTS(true); err != nil {
			port.Close()
			return fmt.Errorf("enabling RTS flow control: %w", err)
		}
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("setting read timeout: %w", err)
	}

	l.port = port
	return nil
}

// Close closes the underlying port.
func (l *Local) Close() error {
	if l.port == nil {
		return nil
	}
	return l.port.Close()
}

// Write sends data and updates the TX byte counter.
func (l *Local) Write(data []byte) (int, error) {
	if l.port == nil {
		return 0, fmt.Errorf("serial port not open")
	}
	n, err := l.port.Write(data)
	atomic.AddUint64(&l.bytesTx, uint64(n))
	return n, err
}

// Stats returns a snapshot of the lifetime byte counters.
func (l *Local) Stats() Stats {
	return Stats{
		BytesRx: atomic.LoadUint64(&l.bytesRx),
		BytesTx: atomic.LoadUint64(&l.bytesTx),
	}
}

// ResetStats zeroes the lifetime byte counters.
func (l *Local) ResetStats() {
	atomic.StoreUint64(&l.bytesRx, 0)
	atomic.StoreUint64(&l.bytesTx, 0)
}

const (
	batchFlushBytes = 4096
	batchFlushEvery = 50 * time.Millisecond
)

// Run drives the blocking read loop until ctx is cancelled or the port
// errors out permanently. It batches bytes read within batchFlushEvery
// (or once batchFlushBytes accumulates) into a single onData call, and
// reports connection loss through onStatus exactly once before
// returning.
func (l *Local) Run(ctx context.Context, onData func([]byte), onStatus func(connected bool, err error)) error {
	if l.port == nil {
		return fmt.Errorf("serial port not open")
	}

	var batch []byte
	flushTimer := time.NewTimer(batchFlushEvery)
	defer flushTimer.Stop()

	readCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := l.port.Read(buf)
			if err != nil {
				errCh <- err
				return
			}
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				readCh <- chunk
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
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
			atomic.AddUint64(&l.bytesRx, uint64(len(chunk)))
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
