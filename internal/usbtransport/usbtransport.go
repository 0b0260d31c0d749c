// Package usbtransport is the concrete device.Transport backing: it opens
// the attached device over USB via gousb, polls for attach/detach/mode
// changes (no hotplug callback exists in gousb, so a poll loop stands in
// for a vendor-SDK callback thread), and turns control/bulk transfers
// into the small command surface device.Session drives.
//
// Grounded on guiperry-HASHER's internal/driver/device/usb_device.go: same
// Context/OpenDeviceWithVIDPID/Config/Interface/Endpoint acquisition
// sequence, generalized from one fixed VID:PID pair to the multiple
// mode-specific product ids a restore target cycles through.
package usbtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"futurecore/device"
)

// VendorID is Apple's USB vendor id; every mode-specific product id below
// is sold under it.
const VendorID = gousb.ID(0x05AC)

// Product ids the device enumerates under per boot mode.
const (
	ProductRecovery = gousb.ID(0x1281)
	ProductDFU      = gousb.ID(0x1227)
	ProductRestore  = gousb.ID(0x1292)
	ProductWTF      = gousb.ID(0x1227) // pwn-DFU shares DFU's product id
)

var modeByProduct = map[gousb.ID]device.Mode{
	ProductRecovery: device.Recovery,
	ProductDFU:      device.DFU,
	ProductRestore:  device.Restore,
}

// Vendor control request codes used by the recovery/DFU bootloader
// protocol this package speaks to the device.
const (
	reqSendCommand = 0x40
	reqGetStatus   = 0xA1
	reqSendBuffer  = 0x21
	reqReset       = 0xFF
)

const pollInterval = 250 * time.Millisecond

// Transport implements device.Transport against a real attached device,
// optionally restricted to one USB serial number when more than one
// device may be attached.
type Transport struct {
	log    zerolog.Logger
	serial string

	ctx *gousb.Context

	mu     sync.Mutex
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
	mode   device.Mode
	closed bool

	events   chan device.Event
	stopPoll chan struct{}
	pollDone chan struct{}
}

// Open looks once for a device matching serial (or any device, if serial
// is empty) in one of the known boot-mode product ids and returns an error
// if none is attached; on success it starts the poll loop that feeds
// device.Session.
func Open(log zerolog.Logger, serial string) (*Transport, error) {
	ctx := gousb.NewContext()

	t := &Transport{
		log:      log.With().Str("component", "usbtransport").Logger(),
		serial:   serial,
		ctx:      ctx,
		events:   make(chan device.Event, 16),
		stopPoll: make(chan struct{}),
		pollDone: make(chan struct{}),
	}

	if err := t.attach(); err != nil {
		ctx.Close()
		return nil, err
	}

	go t.poll()
	return t, nil
}

func (t *Transport) attach() error {
	for pid, mode := range modeByProduct {
		dev, err := t.ctx.OpenDeviceWithVIDPID(VendorID, pid)
		if err != nil || dev == nil {
			continue
		}
		if t.serial != "" {
			sn, err := dev.SerialNumber()
			if err != nil || sn != t.serial {
				dev.Close()
				continue
			}
		}

		cfg, err := dev.Config(1)
		if err != nil {
			dev.Close()
			return errors.Wrap(err, "usbtransport: set configuration")
		}
		intf, err := cfg.Interface(0, 0)
		if err != nil {
			cfg.Close()
			dev.Close()
			return errors.Wrap(err, "usbtransport: claim interface")
		}
		epOut, err := intf.OutEndpoint(1)
		if err != nil {
			intf.Close()
			cfg.Close()
			dev.Close()
			return errors.Wrap(err, "usbtransport: open OUT endpoint")
		}
		epIn, err := intf.InEndpoint(1)
		if err != nil {
			intf.Close()
			cfg.Close()
			dev.Close()
			return errors.Wrap(err, "usbtransport: open IN endpoint")
		}

		t.mu.Lock()
		t.dev, t.cfg, t.intf, t.epOut, t.epIn, t.mode = dev, cfg, intf, epOut, epIn, mode
		t.mu.Unlock()
		return nil
	}
	return errors.New("usbtransport: no device found in a known boot mode")
}

// poll stands in for the vendor SDK's USB event callback thread: it
// periodically checks whether the currently-open handle is still
// attached and whether a new handle has appeared in a different mode,
// translating both into device.Event values.
func (t *Transport) poll() {
	defer close(t.pollDone)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopPoll:
			return
		case <-ticker.C:
			t.mu.Lock()
			dev := t.dev
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			if dev == nil {
				if err := t.attach(); err == nil {
					t.mu.Lock()
					mode := t.mode
					t.mu.Unlock()
					t.events <- device.Event{Kind: device.EventModeChanged, Mode: mode}
				}
				continue
			}
			if _, err := dev.SerialNumber(); err != nil {
				t.mu.Lock()
				t.dev, t.cfg, t.intf, t.epOut, t.epIn = nil, nil, nil, nil, nil
				t.mu.Unlock()
				t.events <- device.Event{Kind: device.EventDetached}
			}
		}
	}
}

func (t *Transport) Events() <-chan device.Event { return t.events }

func (t *Transport) withDevice(fn func(*gousb.Device) error) error {
	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev == nil {
		return errors.New("usbtransport: no device attached")
	}
	return fn(dev)
}

func (t *Transport) SendCommand(text string) error {
	return t.withDevice(func(dev *gousb.Device) error {
		_, err := dev.Control(reqSendCommand, 0, 0, 0, append([]byte(text), 0))
		return err
	})
}

func (t *Transport) SetEnv(key, value string) error {
	payload := []byte(key + "=" + value + "\x00")
	return t.withDevice(func(dev *gousb.Device) error {
		_, err := dev.Control(reqSendCommand, 1, 0, 0, payload)
		return err
	})
}

func (t *Transport) SaveEnv() error {
	return t.withDevice(func(dev *gousb.Device) error {
		_, err := dev.Control(reqSendCommand, 2, 0, 0, nil)
		return err
	})
}

func (t *Transport) SetAutoboot(on bool) error {
	var val uint16
	if on {
		val = 1
	}
	return t.withDevice(func(dev *gousb.Device) error {
		_, err := dev.Control(reqSendCommand, 3, val, 0, nil)
		return err
	})
}

func (t *Transport) SendBuffer(name string, data []byte) error {
	t.mu.Lock()
	ep := t.epOut
	t.mu.Unlock()
	if ep == nil {
		return errors.New("usbtransport: no OUT endpoint available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := ep.WriteContext(ctx, data)
	if err != nil {
		return errors.Wrapf(err, "usbtransport: send_buffer %s", name)
	}
	if n != len(data) {
		return fmt.Errorf("usbtransport: send_buffer %s short write: %d of %d bytes", name, n, len(data))
	}
	return nil
}

func (t *Transport) LiveAPNonce() ([]byte, error) {
	return t.readStatusField(reqGetStatus, 0)
}

func (t *Transport) LiveSEPNonce() ([]byte, error) {
	return t.readStatusField(reqGetStatus, 1)
}

func (t *Transport) readStatusField(request uint8, index uint16) ([]byte, error) {
	buf := make([]byte, 64)
	var n int
	err := t.withDevice(func(dev *gousb.Device) error {
		var err error
		n, err = dev.Control(request, 0, 0, index, buf)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *Transport) ChipID() uint16 {
	v, _ := t.readDescriptorField(0)
	return uint16(v)
}

func (t *Transport) BoardID() uint32 {
	v, _ := t.readDescriptorField(1)
	return uint32(v)
}

func (t *Transport) ECID() uint64 {
	v, _ := t.readDescriptorField(2)
	return v
}

func (t *Transport) SupportsImage4() bool {
	v, _ := t.readDescriptorField(0)
	return uint16(v) >= 0x8010
}

// readDescriptorField reads one of the small set of identity values
// (chip id, board id, ECID) exposed on the same status control request
// the device answers USB_REQUEST_GET_STATUS-style, distinguished by index.
func (t *Transport) readDescriptorField(index uint16) (uint64, error) {
	buf, err := t.readStatusField(reqGetStatus, 0x10+index)
	if err != nil || len(buf) < 8 {
		return 0, err
	}
	var out uint64
	for _, b := range buf[:8] {
		out = out<<8 | uint64(b)
	}
	return out, nil
}

func (t *Transport) Reset() error {
	return t.withDevice(func(dev *gousb.Device) error {
		_, err := dev.Control(reqReset, 0, 0, 0, nil)
		return err
	})
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopPoll)
	dev, cfg, intf := t.dev, t.cfg, t.intf
	t.mu.Unlock()

	<-t.pollDone
	close(t.events)

	if intf != nil {
		intf.Close()
	}
	if cfg != nil {
		cfg.Close()
	}
	if dev != nil {
		dev.Close()
	}
	return t.ctx.Close()
}
