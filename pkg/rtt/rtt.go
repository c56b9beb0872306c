// Package rtt implements the RTT polling engine: SEGGER RTT
// control-block discovery and a cooperative up-channel poll loop
// running against the session manager's RTT slot.
package rtt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/daschewie/dapbridge/pkg/dapbridge/errs"
	"github.com/daschewie/dapbridge/pkg/probe/dap"
	"github.com/daschewie/dapbridge/pkg/session"
)

const controlBlockMarker = "SEGGER RTT"

// controlBlock header: a 16-byte ID field (marker, NUL-padded),
// followed by 4-byte MaxUpBuffers and MaxDownBuffers counts.
const (
	idFieldSize    = 16
	headerSize     = idFieldSize + 4 + 4
	channelRecSize = 24 // sName, pBuffer, SizeOfBuffer, WrOff, RdOff, Flags — 4 bytes each
)

// ScanMode selects how the control block address is located.
type ScanMode int

const (
	ScanAuto ScanMode = iota
	ScanExact
	ScanRange
)

// Config configures one RTT attach.
type Config struct {
	Mode         ScanMode
	Address      uint32 // ScanExact
	RangeStart   uint32 // ScanRange
	RangeSize    uint32 // ScanRange
	PollInterval time.Duration
	HaltOnRead   bool
}

// Channel describes one up- or down-channel found in the control block.
type Channel struct {
	Index      int
	Name       string
	BufferAddr uint32
	BufferSize uint32

	// descriptorAddr is the channel's own record address in target RAM,
	// where WrOff/RdOff live (offsets +12/+16 from the record base) —
	// needed to advance the ring buffer on every read/write.
	descriptorAddr uint32
}

// DataEvent is one coalesced batch of bytes read from an up-channel.
type DataEvent struct {
	Channel int
	Data    []byte
}

const (
	batchMinEvents = 10
	batchMaxAge    = 50 * time.Millisecond
	fatalAfter     = 60
)

// Engine polls a target's RTT control block for up-channel data.
type Engine struct {
	sessions *session.Manager
	log      *logrus.Entry

	mu          sync.Mutex
	cbAddr      uint32
	haveAddr    bool
	upChannels  []Channel
	downChannels []Channel

	cancel context.CancelFunc
	done   chan struct{}

	consecutiveFailures int32
}

func NewEngine(sessions *session.Manager, log *logrus.Entry) *Engine {
	return &Engine{sessions: sessions, log: log}
}

// Discover locates the control block (per cfg.Mode) and caches its
// address and channel lists, without starting the poll loop. Safe to
// call again; a cached address short-circuits the scan.
func (e *Engine) Discover(cfg Config) error {
	e.mu.Lock()
	if e.haveAddr {
		cfg.Mode = ScanExact
		cfg.Address = e.cbAddr
	}
	e.mu.Unlock()

	err := e.sessions.WithSession(session.RTT, func(sess *session.Session) error {
		a, err := locateControlBlock(sess.Core, cfg)
		if err != nil {
			return err
		}
		up, down, err := readChannelList(sess.Core, a)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.cbAddr = a
		e.haveAddr = true
		e.upChannels = up
		e.downChannels = down
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		return errs.New(errs.KindRTT, "rtt.scan", err)
	}
	return nil
}

// Start locates the control block (per cfg.Mode) and begins the poll
// loop, delivering batched events to onData until Stop is called or
// the loop gives up after repeated failures.
func (e *Engine) Start(ctx context.Context, cfg Config, onData func(DataEvent), onFatal func(error)) error {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}

	if err := e.Discover(cfg); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.run(loopCtx, cfg, onData, onFatal)
	return nil
}

// Stop cancels the poll loop and blocks until it has flushed residue
// and exited.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// Channels returns the up- and down-channel list discovered at Start.
func (e *Engine) Channels() (up, down []Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Channel(nil), e.upChannels...), append([]Channel(nil), e.downChannels...)
}

// Write pushes bytes into a down-channel's ring buffer, returning the
// number of bytes actually accepted (the buffer may be short on
// space — callers should retry the remainder).
func (e *Engine) Write(channel int, data []byte) (uint32, error) {
	e.mu.Lock()
	var ch *Channel
	for i := range e.downChannels {
		if e.downChannels[i].Index == channel {
			ch = &e.downChannels[i]
			break
		}
	}
	e.mu.Unlock()
	if ch == nil {
		return 0, fmt.Errorf("rtt: no down-channel %d", channel)
	}

	var n uint32
	err := e.sessions.WithSession(session.RTT, func(sess *session.Session) error {
		written, err := writeRingBuffer(sess.Core, *ch, data)
		n = written
		return err
	})
	return n, err
}

func (e *Engine) run(ctx context.Context, cfg Config, onData func(DataEvent), onFatal func(error)) {
	defer close(e.done)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var pending []DataEvent
	lastFlush := time.Now()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		for _, ev := range pending {
			onData(ev)
		}
		pending = nil
		lastFlush = time.Now()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			ok, err := e.sessions.TryWithSession(session.RTT, 500*time.Millisecond, func(sess *session.Session) error {
				return e.pollOnce(sess.Core, cfg, &pending)
			})
			if !ok {
				continue // bounded wait timed out, skip this tick
			}
			if err != nil {
				n := atomic.AddInt32(&e.consecutiveFailures, 1)
				if n >= fatalAfter {
					flush()
					if onFatal != nil {
						onFatal(errs.New(errs.KindRTT, "rtt.poll", fmt.Errorf("%d consecutive poll failures: %w", n, err)))
					}
					return
				}
				e.log.WithError(err).Debug("rtt: transient poll failure")
			} else {
				atomic.StoreInt32(&e.consecutiveFailures, 0)
			}

			if len(pending) >= batchMinEvents || time.Since(lastFlush) >= batchMaxAge {
				flush()
			}
		}
	}
}

func (e *Engine) pollOnce(core dap.Core, cfg Config, pending *[]DataEvent) error {
	if cfg.HaltOnRead {
		if err := core.Halt(); err != nil {
			return err
		}
		defer core.Run()
	}

	e.mu.Lock()
	channels := append([]Channel(nil), e.upChannels...)
	e.mu.Unlock()

	for _, ch := range channels {
		data, err := readRingBuffer(core, ch)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			*pending = append(*pending, DataEvent{Channel: ch.Index, Data: data})
		}
	}
	return nil
}

// locateControlBlock resolves the control block address per cfg.Mode,
// scanning memory in 1 KiB strides for the "SEGGER RTT" marker when in
// auto or range mode.
func locateControlBlock(core dap.Core, cfg Config) (uint32, error) {
	switch cfg.Mode {
	case ScanExact:
		if err := verifyMarker(core, cfg.Address); err != nil {
			return 0, err
		}
		return cfg.Address, nil
	case ScanRange:
		return scanRange(core, cfg.RangeStart, cfg.RangeSize)
	default:
		return scanRange(core, defaultRAMStart, defaultRAMSize)
	}
}

const (
	defaultRAMStart = 0x20000000
	defaultRAMSize  = 0x10000 // 64 KiB, conservative default when the target descriptor isn't consulted here
	scanStride      = 1024
)

// scanRange reads the range in stride-sized chunks, each overlapping
// the next by the marker length so a control block straddling a chunk
// boundary is still found.
func scanRange(core dap.Core, start, size uint32) (uint32, error) {
	for off := uint32(0); off < size; off += scanStride {
		n := uint32(scanStride + idFieldSize)
		if off+n > size {
			n = size - off
		}
		if n < uint32(len(controlBlockMarker)) {
			break
		}
		chunk, err := core.ReadMem8(start+off, int(n))
		if err != nil {
			continue
		}
		if i := bytes.Index(chunk, []byte(controlBlockMarker)); i >= 0 {
			return start + off + uint32(i), nil
		}
	}
	return 0, fmt.Errorf("rtt: control block marker not found in range 0x%x+0x%x", start, size)
}

func verifyMarker(core dap.Core, addr uint32) error {
	chunk, err := core.ReadMem8(addr, idFieldSize)
	if err != nil {
		return fmt.Errorf("rtt: reading control block at 0x%x: %w", addr, err)
	}
	if !bytes.HasPrefix(chunk, []byte(controlBlockMarker)) {
		return fmt.Errorf("rtt: no SEGGER RTT marker at 0x%x", addr)
	}
	return nil
}

func readChannelList(core dap.Core, cbAddr uint32) (up, down []Channel, err error) {
	counts, err := core.ReadMem8(cbAddr+idFieldSize, 8)
	if err != nil {
		return nil, nil, fmt.Errorf("rtt: reading channel counts: %w", err)
	}
	maxUp := binary.LittleEndian.Uint32(counts[0:4])
	maxDown := binary.LittleEndian.Uint32(counts[4:8])

	base := cbAddr + headerSize
	up, err = readChannels(core, base, int(maxUp))
	if err != nil {
		return nil, nil, err
	}
	base += uint32(maxUp) * channelRecSize
	down, err = readChannels(core, base, int(maxDown))
	if err != nil {
		return nil, nil, err
	}
	return up, down, nil
}

func readChannels(core dap.Core, base uint32, count int) ([]Channel, error) {
	var out []Channel
	for i := 0; i < count; i++ {
		rec, err := core.ReadMem8(base+uint32(i)*channelRecSize, channelRecSize)
		if err != nil {
			return nil, fmt.Errorf("rtt: reading channel %d descriptor: %w", i, err)
		}
		nameAddr := binary.LittleEndian.Uint32(rec[0:4])
		bufAddr := binary.LittleEndian.Uint32(rec[4:8])
		bufSize := binary.LittleEndian.Uint32(rec[8:12])
		if bufAddr == 0 {
			continue // unused channel slot
		}
		name := readCString(core, nameAddr)
		out = append(out, Channel{
			Index:          i,
			Name:           name,
			BufferAddr:     bufAddr,
			BufferSize:     bufSize,
			descriptorAddr: base + uint32(i)*channelRecSize,
		})
	}
	return out, nil
}

func readCString(core dap.Core, addr uint32) string {
	if addr == 0 {
		return ""
	}
	const maxLen = 64
	raw, err := core.ReadMem8(addr, maxLen)
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

// readRingBuffer reads everything currently between RdOff and WrOff in
// a channel's ring buffer (wrapping once if WrOff has wrapped past the
// end), then advances RdOff to WrOff.
func readRingBuffer(core dap.Core, ch Channel) ([]byte, error) {
	descAddr, bufAddr, bufSize := ch.descriptorAddr, ch.BufferAddr, ch.BufferSize
	offs, err := core.ReadMem8(descAddr+12, 8) // WrOff, RdOff
	if err != nil {
		return nil, err
	}
	wrOff := binary.LittleEndian.Uint32(offs[0:4])
	rdOff := binary.LittleEndian.Uint32(offs[4:8])
	if wrOff == rdOff || bufSize == 0 {
		return nil, nil
	}

	var data []byte
	if wrOff > rdOff {
		data, err = core.ReadMem8(bufAddr+rdOff, int(wrOff-rdOff))
	} else {
		tail, e1 := core.ReadMem8(bufAddr+rdOff, int(bufSize-rdOff))
		if e1 != nil {
			return nil, e1
		}
		head, e2 := core.ReadMem8(bufAddr, int(wrOff))
		if e2 != nil {
			return nil, e2
		}
		data = append(tail, head...)
	}
	if err != nil {
		return nil, err
	}
	if err := core.WriteMem8(descAddr+16, leUint32(wrOff)); err != nil {
		return nil, fmt.Errorf("rtt: advancing read offset: %w", err)
	}
	return data, nil
}

func writeRingBuffer(core dap.Core, ch Channel, data []byte) (uint32, error) {
	offs, err := core.ReadMem8(ch.descriptorAddr+12, 8)
	if err != nil {
		return 0, err
	}
	wrOff := binary.LittleEndian.Uint32(offs[0:4])
	rdOff := binary.LittleEndian.Uint32(offs[4:8])

	var free uint32
	if rdOff > wrOff {
		free = rdOff - wrOff - 1
	} else {
		free = ch.BufferSize - (wrOff - rdOff) - 1
	}
	n := uint32(len(data))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0, nil
	}

	first := n
	if wrOff+first > ch.BufferSize {
		first = ch.BufferSize - wrOff
	}
	if err := core.WriteMem8(ch.BufferAddr+wrOff, data[:first]); err != nil {
		return 0, err
	}
	if first < n {
		if err := core.WriteMem8(ch.BufferAddr, data[first:n]); err != nil {
			return 0, err
		}
	}
	newWrOff := (wrOff + n) % ch.BufferSize
	if err := core.WriteMem8(ch.descriptorAddr+12, leUint32(newWrOff)); err != nil {
		return 0, fmt.Errorf("rtt: advancing write offset: %w", err)
	}
	return n, nil
}

func leUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
