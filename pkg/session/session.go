// Package session implements the session manager: the two
// independent debug sessions — Main (flash/memory) and RTT (polling) —
// each behind its own mutex, attached and released without ever
// holding both locks at once.
package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/daschewie/dapbridge/pkg/dapbridge/errs"
	"github.com/daschewie/dapbridge/pkg/probe"
	"github.com/daschewie/dapbridge/pkg/probe/dap"
	"github.com/daschewie/dapbridge/pkg/target"
)

// Slot identifies which of the two independent debug sessions an
// operation targets.
type Slot int

const (
	Main Slot = iota
	RTT
	numSlots
)

func (s Slot) String() string {
	if s == Main {
		return "main"
	}
	return "rtt"
}

// Session is one attached probe+target pairing.
type Session struct {
	Core        dap.Core
	Probe       probe.Descriptor
	Target      target.Descriptor
	ChipID      uint32
	HasChipID   bool
	DPIDR       uint32
	HasDPIDR    bool
	ConnectedAt time.Time
}

// slotState guards its session with a channel-based mutex (a
// single-token buffered channel) rather than sync.Mutex so a bounded
// "try for up to timeout" acquisition — the RTT engine's poll-tick
// contract — can use select/time.After without risking an abandoned
// goroutine holding the lock forever, the way a goroutine racing a real
// sync.Mutex.Lock() against a timeout would.
type slotState struct {
	tok     chan struct{}
	session *Session
}

func newSlotState() *slotState {
	s := &slotState{tok: make(chan struct{}, 1)}
	s.tok <- struct{}{}
	return s
}

func (s *slotState) lock() { <-s.tok }

func (s *slotState) unlock() { s.tok <- struct{}{} }

func (s *slotState) tryLock(timeout time.Duration) bool {
	select {
	case <-s.tok:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Manager owns the Main and RTT slots.
type Manager struct {
	slots    [numSlots]*slotState
	registry *target.Registry
	log      *logrus.Entry

	// openTransport is overridable in tests to avoid touching real USB
	// hardware.
	openTransport func(d probe.Descriptor) (dap.Core, error)
}

// NewManager builds a session manager backed by reg for target lookups.
func NewManager(reg *target.Registry, log *logrus.Entry) *Manager {
	m := &Manager{registry: reg, log: log}
	for i := range m.slots {
		m.slots[i] = newSlotState()
	}
	m.openTransport = defaultOpenTransport
	return m
}

// SetTransportOpener overrides how a probe descriptor becomes a live
// dap.Core. Tests inject hardware-free fakes here; the default opens
// the real USB transport.
func (m *Manager) SetTransportOpener(fn func(probe.Descriptor) (dap.Core, error)) {
	m.openTransport = fn
}

func defaultOpenTransport(d probe.Descriptor) (dap.Core, error) {
	t, err := dap.Open(d.VendorID, d.ProductID, d.SerialNumber)
	if err != nil {
		return nil, err
	}
	return dap.NewDAPCore(t), nil
}

// AttachOptions configures a connect request.
type AttachOptions struct {
	Probe      probe.Descriptor
	TargetName string
	Protocol   dap.Protocol
	ClockHz    uint32
	UnderReset bool
}

// Attach opens (or replaces) the session in slot. If a session is
// already attached, it is released by resuming the core (never
// resetting it — resetting mid-replace is what causes the probe
// library lock-ups this sequencing avoids) before the new probe is
// opened.
func (m *Manager) Attach(slot Slot, opts AttachOptions) (*Session, error) {
	st := m.slots[slot]
	st.lock()
	defer st.unlock()

	if st.session != nil {
		_ = st.session.Core.Run()
		_ = st.session.Core.Close()
		st.session = nil
	}

	td, ok := m.registry.Lookup(opts.TargetName)
	if !ok {
		return nil, errs.New(errs.KindNotFound, "session.attach", fmt.Errorf("unknown target %q", opts.TargetName))
	}

	core, err := m.openTransport(opts.Probe)
	if err != nil {
		return nil, errs.New(errs.KindProbe, "session.attach", fmt.Errorf("opening probe: %w", err))
	}

	if err := core.SelectProtocol(opts.Protocol); err != nil {
		core.Close()
		return nil, fmt.Errorf("session: selecting protocol: %w", err)
	}
	if opts.ClockHz > 0 {
		if err := core.SetClockHz(opts.ClockHz); err != nil {
			core.Close()
			return nil, fmt.Errorf("session: setting clock: %w", err)
		}
	}
	if opts.UnderReset {
		if err := core.ResetTarget(); err != nil {
			m.logf("reset-under-attach failed, continuing: %v", err)
		}
	}
	if err := core.Halt(); err != nil {
		core.Close()
		return nil, fmt.Errorf("session: halting core: %w", err)
	}

	sess := &Session{
		Core:        core,
		Probe:       opts.Probe,
		Target:      td,
		ConnectedAt: time.Now(),
	}

	// Opportunistic chip-ID and DPIDR reads: failure here must not
	// fail the attach, since not every target exposes a readable ID
	// register at the probed addresses.
	if id, err := core.ReadIDCode(); err == nil {
		sess.ChipID = id
		sess.HasChipID = true
	}
	if idr, err := core.ReadDPIDR(); err == nil {
		sess.DPIDR = idr
		sess.HasDPIDR = true
	}

	st.session = sess
	return sess, nil
}

// Detach releases the session in slot, resuming the core before
// closing the probe (same lock-up avoidance as a replace).
func (m *Manager) Detach(slot Slot) error {
	st := m.slots[slot]
	st.lock()
	defer st.unlock()

	if st.session == nil {
		return nil
	}
	_ = st.session.Core.Run()
	err := st.session.Core.Close()
	st.session = nil
	return err
}

// Get returns the currently attached session for slot, if any.
func (m *Manager) Get(slot Slot) (*Session, bool) {
	st := m.slots[slot]
	st.lock()
	defer st.unlock()
	return st.session, st.session != nil
}

// WithSession runs fn while holding slot's mutex, for operations (flash
// programming, RTT polling) that need exclusive access to the session
// for the duration of a multi-step sequence.
func (m *Manager) WithSession(slot Slot, fn func(*Session) error) error {
	st := m.slots[slot]
	st.lock()
	defer st.unlock()
	if st.session == nil {
		return errs.New(errs.KindConnection, "session", fmt.Errorf("slot %s not attached", slot))
	}
	return fn(st.session)
}

// TryWithSession is WithSession but returns immediately if the slot's
// mutex is already held (the RTT engine's non-blocking poll-tick
// contract), bounding the wait to timeout.
func (m *Manager) TryWithSession(slot Slot, timeout time.Duration, fn func(*Session) error) (ok bool, err error) {
	st := m.slots[slot]
	if !st.tryLock(timeout) {
		return false, nil
	}
	defer st.unlock()

	if st.session == nil {
		return true, errs.New(errs.KindConnection, "session", fmt.Errorf("slot %s not attached", slot))
	}
	return true, fn(st.session)
}

func (m *Manager) logf(format string, args ...any) {
	if m.log != nil {
		m.log.Warnf(format, args...)
	}
}
