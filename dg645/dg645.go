/*Package dg645 provides a driver for Stanford Research Systems DG645-style
digital delay generators speaking SCPI over TCP or RS-232.

The pump-probe delay is programmed on one output channel relative to T0.
Every set command is handshaked with an instrument error query so a silently
rejected command never goes unnoticed.
*/
package dg645

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/femtolab/gota/comm"
	"github.com/femtolab/gota/hardware"
)

const (
	// delayChannel is the output channel carrying the pump-probe delay
	delayChannel = 2

	// anchorChannel is the channel delays are programmed relative to (T0)
	anchorChannel = 0

	// psPerSecond converts instrument seconds to picoseconds
	psPerSecond = 1e12
)

// DG645 represents a DG645 delay generator and has a connection to it
type DG645 struct {
	// TimeZero is the delay of pump-probe overlap in picoseconds
	TimeZero float64

	// TMin and TMax bound the reachable delays in picoseconds
	TMin, TMax float64

	dev    *comm.RemoteDevice
	mu     sync.Mutex
	closed bool
}

// New creates a new DG645 instance.  addr is a host:port pair for TCP, or
// a port name when serial is true.  The reachable range defaults to the
// usual short-stage window around time zero.
func New(addr string, useSerial bool, timeZero float64) *DG645 {
	var conf *serial.Config
	if useSerial {
		conf = &serial.Config{
			Name:        addr,
			Baud:        115200,
			ReadTimeout: 3 * time.Second,
		}
	}
	dev := comm.NewRemoteDevice(addr, conf)
	dev.Tx = '\n'
	dev.Rx = '\n'
	return &DG645{
		TimeZero: timeZero,
		TMin:     timeZero - 50,
		TMax:     timeZero + 300,
		dev:      dev,
	}
}

// Open connects to the instrument
func (d *DG645) Open() error {
	if err := d.dev.Open(); err != nil {
		return hardware.WrapFatal("dg645", "open", err)
	}
	return nil
}

// MoveTo programs the pump-probe delay in picoseconds and verifies the
// instrument accepted it
func (d *DG645) MoveTo(ctx context.Context, ps float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return hardware.WrapFatal("dg645", "move-to", errors.New("device is closed"))
	}
	if err := ctx.Err(); err != nil {
		return hardware.Wrap("dg645", "move-to", err)
	}
	if ps < d.TMin || ps > d.TMax {
		return hardware.Wrap("dg645", "move-to",
			fmt.Errorf("delay %g ps outside reachable range [%g, %g]", ps, d.TMin, d.TMax))
	}
	cmd := fmt.Sprintf("DLAY %d,%d,%.12E", delayChannel, anchorChannel, ps/psPerSecond)
	if err := d.dev.Send([]byte(cmd)); err != nil {
		return wrapComm("move-to", err)
	}
	return d.popError("move-to")
}

// CurrentPos queries the programmed pump-probe delay in picoseconds
func (d *DG645) CurrentPos(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, hardware.WrapFatal("dg645", "current-pos", errors.New("device is closed"))
	}
	if err := ctx.Err(); err != nil {
		return 0, hardware.Wrap("dg645", "current-pos", err)
	}
	resp, err := d.dev.SendRecv([]byte(fmt.Sprintf("DLAY?%d", delayChannel)))
	if err != nil {
		return 0, wrapComm("current-pos", err)
	}
	// responses look like "0,+1.500000000000E-11": anchor channel, delay
	str := strings.TrimSpace(string(resp))
	pieces := strings.Split(str, ",")
	if len(pieces) != 2 {
		return 0, hardware.Wrap("dg645", "current-pos",
			fmt.Errorf("malformed delay response %q", str))
	}
	secs, err := strconv.ParseFloat(pieces[1], 64)
	if err != nil {
		return 0, hardware.Wrap("dg645", "current-pos", err)
	}
	return secs * psPerSecond, nil
}

// Range returns the reachable delay range in picoseconds
func (d *DG645) Range() (float64, float64) {
	return d.TMin, d.TMax
}

// Close disconnects from the instrument.  Safe to call multiple times.
func (d *DG645) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.dev.Close()
}

// popError drains one entry from the instrument's error queue and turns a
// nonzero code into an error
func (d *DG645) popError(op string) error {
	resp, err := d.dev.SendRecv([]byte("LERR?"))
	if err != nil {
		return wrapComm(op, err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(resp)))
	if err != nil {
		return hardware.Wrap("dg645", op, fmt.Errorf("malformed error response %q", resp))
	}
	if code != 0 {
		return hardware.Wrap("dg645", op, fmt.Errorf("instrument error code %d", code))
	}
	return nil
}

// wrapComm classifies a transport failure.  Timeouts are retryable; a
// dropped or absent connection is fatal.
func wrapComm(op string, err error) error {
	if errors.Is(err, comm.ErrNotConnected) {
		return hardware.WrapFatal("dg645", op, err)
	}
	if hardware.IsTimeout(err) {
		return hardware.Wrap("dg645", op, err)
	}
	return hardware.WrapFatal("dg645", op, err)
}
