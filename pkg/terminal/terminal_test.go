package terminal

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestLocalModeMatrix(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		parity serial.Parity
		stop   serial.StopBits
	}{
		{"8N1", Config{BaudRate: 115200, DataBits: 8, StopBits: "1", Parity: "none"}, serial.NoParity, serial.OneStopBit},
		{"7E2", Config{BaudRate: 9600, DataBits: 7, StopBits: "2", Parity: "even"}, serial.EvenParity, serial.TwoStopBits},
		{"odd-1.5", Config{BaudRate: 19200, DataBits: 6, StopBits: "1.5", Parity: "odd"}, serial.OddParity, serial.OnePointFiveStopBits},
		{"defaults", Config{BaudRate: 115200, DataBits: 8}, serial.NoParity, serial.OneStopBit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewLocal(tt.cfg).mode()
			if err != nil {
				t.Fatalf("mode() unexpected error: %v", err)
			}
			if m.BaudRate != tt.cfg.BaudRate || m.DataBits != tt.cfg.DataBits {
				t.Errorf("baud/bits = %d/%d, want %d/%d", m.BaudRate, m.DataBits, tt.cfg.BaudRate, tt.cfg.DataBits)
			}
			if m.Parity != tt.parity {
				t.Errorf("parity = %v, want %v", m.Parity, tt.parity)
			}
			if m.StopBits != tt.stop {
				t.Errorf("stop bits = %v, want %v", m.StopBits, tt.stop)
			}
		})
	}
}

func TestLocalModeRejectsUnknownValues(t *testing.T) {
	if _, err := NewLocal(Config{Parity: "sometimes"}).mode(); err == nil {
		t.Error("expected error for unknown parity")
	}
	if _, err := NewLocal(Config{StopBits: "3"}).mode(); err == nil {
		t.Error("expected error for unknown stop bits")
	}
}

func TestLocalWriteWithoutOpenErrors(t *testing.T) {
	if _, err := NewLocal(Config{}).Write([]byte("x")); err == nil {
		t.Error("expected error writing to unopened port")
	}
}

func TestTCPWriteWithoutOpenErrors(t *testing.T) {
	if _, err := NewTCP().Write([]byte("x")); err == nil {
		t.Error("expected error writing to unconnected terminal")
	}
}

// echoServer accepts one connection and answers every received line
// with "OK\r\n", standing in for a ser2net-fronted modem.
func echoServer(t *testing.T) (addr string, done func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if _, err := conn.Write([]byte("OK\r\n")); err != nil {
					return
				}
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close(); wg.Wait() }
}

func TestTCPRoundTripAndStats(t *testing.T) {
	addr, done := echoServer(t)
	defer done()

	term := NewTCP()
	if err := term.Open(addr); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer term.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []byte
	runDone := make(chan error, 1)
	go func() {
		runDone <- term.Run(ctx, func(data []byte) {
			mu.Lock()
			got = append(got, data...)
			mu.Unlock()
		}, func(connected bool, err error) {})
	}()

	n, err := term.Write([]byte("AT\r\n"))
	if err != nil || n != 4 {
		t.Fatalf("Write() = %d, %v; want 4, nil", n, err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := bytes.Contains(got, []byte("OK\r\n"))
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for OK response")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Errorf("Run() returned %v on clean shutdown", err)
	}

	stats := term.Stats()
	if stats.BytesTx != 4 {
		t.Errorf("BytesTx = %d, want 4", stats.BytesTx)
	}
	if stats.BytesRx < 4 {
		t.Errorf("BytesRx = %d, want >= 4", stats.BytesRx)
	}
}

func TestTCPRunReportsPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close() // immediate hangup
	}()

	term := NewTCP()
	if err := term.Open(ln.Addr().String()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer term.Close()

	statusCh := make(chan error, 1)
	err = term.Run(context.Background(), func([]byte) {}, func(connected bool, err error) {
		statusCh <- err
	})
	if err == nil {
		t.Fatal("expected Run() to return an error on peer close")
	}
	select {
	case serr := <-statusCh:
		if serr == nil {
			t.Error("expected non-nil error in status callback")
		}
	case <-time.After(time.Second):
		t.Error("expected status callback before Run returned")
	}
}
