// Package device implements the Device Session: the single owner of the
// attached device's USB handle, its observed boot mode, and the
// mode-transition/control operations every other component drives it
// through.
//
// The session never talks to a USB stack directly; it drives a Transport
// capability (internal/usbtransport is the concrete gousb-backed
// implementation) so the mode state machine and its mutex/condvar event
// delivery can be exercised without real hardware.
package device

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futurecore/restoreerr"
)

// Transport is the capability a Device Session drives. Implementations own
// the raw USB handle exclusively; the Session never sees it directly.
// Device Session exclusively owns the USB handle — all other components
// reference it by capability, never storing the raw handle.
type Transport interface {
	// Events returns a channel of attach/detach/mode-change notifications.
	// Closed when the transport is closed.
	Events() <-chan Event

	SendCommand(text string) error
	SetEnv(key, value string) error
	SaveEnv() error
	SetAutoboot(on bool) error
	SendBuffer(name string, data []byte) error
	LiveAPNonce() ([]byte, error)
	LiveSEPNonce() ([]byte, error)
	Reset() error
	Close() error

	ChipID() uint16
	BoardID() uint32
	ECID() uint64
	SupportsImage4() bool
}

// Info is the metadata the session synthesizes about the attached device.
type Info struct {
	ChipID         uint16
	BoardID        uint32
	ECID           uint64
	SupportsImage4 bool
}

// Session is a single attached device's mode state machine. Safe for
// concurrent use: the transport's event-delivery context and the
// Orchestrator's foreground calls serialize through mu/cond, so the USB
// callback thread mutates observed mode under the same mutex the
// foreground waits on.
type Session struct {
	log zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond
	mode Mode

	transport Transport
	done      chan struct{}
}

// NewSession takes ownership of transport and starts its event-delivery
// loop. The caller must not use transport directly after this call.
func NewSession(log zerolog.Logger, transport Transport) *Session {
	s := &Session{
		log:       log.With().Str("component", "device").Logger(),
		mode:      Unknown,
		transport: transport,
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *Session) pump() {
	defer close(s.done)
	for ev := range s.transport.Events() {
		s.mu.Lock()
		switch ev.Kind {
		case EventDetached:
			s.mode = Unknown
		case EventModeChanged:
			s.mode = ev.Mode
		}
		s.log.Debug().Stringer("mode", s.mode).Msg("observed device event")
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// CurrentMode returns the last observed mode.
func (s *Session) CurrentMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// WaitFor blocks until the observed mode equals mode, or returns
// TransitionTimeout once timeout elapses without that observation.
func (s *Session) WaitFor(mode Mode, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.mode != mode {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return restoreerr.New(restoreerr.TransitionTimeout,
				"timed out waiting for device to reach "+mode.String())
		}
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
	}
	return nil
}

// RequestEnterRecovery issues the vendor "go to recovery" control request
// that a device in Normal mode accepts to begin its Normal->Recovery
// transition. Unlike SendCommand it is not gated on the current mode,
// since it is the one request a Normal-mode device answers.
func (s *Session) RequestEnterRecovery() error {
	if err := s.transport.SendCommand(""); err != nil {
		return restoreerr.Wrap(restoreerr.SendFailed, err, "request enter recovery")
	}
	return nil
}

// SendCommand forwards an ASCII command to the bootloader. Valid only in
// Recovery.
func (s *Session) SendCommand(text string) error {
	if s.CurrentMode() != Recovery {
		return restoreerr.New(restoreerr.UnexpectedMode, "send_command requires Recovery mode")
	}
	if err := s.transport.SendCommand(text); err != nil {
		return restoreerr.Wrap(restoreerr.SendFailed, err, "send_command")
	}
	return nil
}

// SetEnv writes a device NVRAM variable. Valid only in Recovery.
func (s *Session) SetEnv(key, value string) error {
	if s.CurrentMode() != Recovery {
		return restoreerr.New(restoreerr.UnexpectedMode, "set_env requires Recovery mode")
	}
	if err := s.transport.SetEnv(key, value); err != nil {
		return restoreerr.Wrap(restoreerr.SendFailed, err, "set_env "+key)
	}
	return nil
}

// SaveEnv persists NVRAM changes made by SetEnv. Valid only in Recovery.
func (s *Session) SaveEnv() error {
	if s.CurrentMode() != Recovery {
		return restoreerr.New(restoreerr.UnexpectedMode, "save_env requires Recovery mode")
	}
	if err := s.transport.SaveEnv(); err != nil {
		return restoreerr.Wrap(restoreerr.SendFailed, err, "save_env")
	}
	return nil
}

// SetAutoboot persists the device's auto-boot flag.
func (s *Session) SetAutoboot(on bool) error {
	if err := s.transport.SetAutoboot(on); err != nil {
		return restoreerr.Wrap(restoreerr.SendFailed, err, "set_autoboot")
	}
	return nil
}

// SendBuffer streams a named component to the current mode's data
// endpoint, returning once the device ACKs.
func (s *Session) SendBuffer(name string, data []byte) error {
	if err := s.transport.SendBuffer(name, data); err != nil {
		return restoreerr.Wrap(restoreerr.SendFailed, err, "send_buffer "+name)
	}
	return nil
}

// LiveAPNonce fetches the device's current AP boot-nonce.
func (s *Session) LiveAPNonce() ([]byte, error) {
	nonce, err := s.transport.LiveAPNonce()
	if err != nil {
		return nil, restoreerr.Wrap(restoreerr.SendFailed, err, "live_ap_nonce")
	}
	return nonce, nil
}

// LiveSEPNonce fetches the device's current SEP boot-nonce.
func (s *Session) LiveSEPNonce() ([]byte, error) {
	nonce, err := s.transport.LiveSEPNonce()
	if err != nil {
		return nil, restoreerr.Wrap(restoreerr.SendFailed, err, "live_sep_nonce")
	}
	return nonce, nil
}

// Info synthesizes the device metadata the Verifier and Orchestrator need.
func (s *Session) Info() Info {
	return Info{
		ChipID:         s.transport.ChipID(),
		BoardID:        s.transport.BoardID(),
		ECID:           s.transport.ECID(),
		SupportsImage4: s.transport.SupportsImage4(),
	}
}

// Reset issues the vendor reset command and releases the handle. The
// session must not be used after Reset returns.
func (s *Session) Reset() error {
	err := s.transport.Reset()
	closeErr := s.transport.Close()
	<-s.done
	if err != nil {
		return restoreerr.Wrap(restoreerr.SendFailed, err, "reset")
	}
	if closeErr != nil {
		return restoreerr.Wrap(restoreerr.SendFailed, closeErr, "close transport")
	}
	return nil
}
