/*Package stresing provides a driver for Stresing line scan cameras over
USB bulk transfer.

The head speaks a small block protocol: each request and response is framed
with start/end bytes and carries a CRC-16/XMODEM trailer (see telegram.go).
A frame readout returns the full sensor line including dummy pixels; only
the valid window is surfaced as samples.
*/
package stresing

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/femtolab/gota/camera"
	"github.com/femtolab/gota/hardware"
)

// Sensor geometry.  The readout includes dummy pixels on both ends of the
// line; the valid window starts at FirstPixel.
const (
	TotalPixels = 1200
	ValidPixels = 1024
	FirstPixel  = 16
)

// readBufSize comfortably holds a frame block (2 bytes per pixel plus framing)
const readBufSize = 4096

// port is the bulk transfer layer under the block protocol
type port interface {
	write(ctx context.Context, p []byte) error
	read(ctx context.Context, p []byte) (int, error)
	close() error
}

// usbPort adapts a gousb device pair of bulk endpoints to the port interface
type usbPort struct {
	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	done   func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

func openUSB(vid, pid uint16) (*usbPort, error) {
	p := &usbPort{ctx: gousb.NewContext()}
	var err error
	p.device, err = p.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		p.ctx.Close()
		return nil, err
	}
	if p.device == nil {
		p.ctx.Close()
		return nil, fmt.Errorf("no device found with VID:PID %04x:%04x", vid, pid)
	}
	err = p.device.SetAutoDetach(true)
	if err != nil {
		p.close()
		return nil, err
	}
	p.iface, p.done, err = p.device.DefaultInterface()
	if err != nil {
		p.close()
		return nil, err
	}
	p.in, err = p.iface.InEndpoint(2)
	if err != nil {
		p.close()
		return nil, err
	}
	p.out, err = p.iface.OutEndpoint(2)
	if err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *usbPort) write(ctx context.Context, b []byte) error {
	_, err := p.out.WriteContext(ctx, b)
	return err
}

func (p *usbPort) read(ctx context.Context, b []byte) (int, error) {
	return p.in.ReadContext(ctx, b)
}

func (p *usbPort) close() error {
	if p.done != nil {
		p.done()
		p.done = nil
	}
	var err error
	if p.device != nil {
		err = p.device.Close()
		p.device = nil
	}
	if p.ctx != nil {
		p.ctx.Close()
		p.ctx = nil
	}
	return err
}

// Camera is a Stresing line scan camera.  It satisfies the camera.Camera
// contract; one exchange is in flight at a time.
type Camera struct {
	mu       sync.Mutex
	port     port
	exposure time.Duration
	gain     float64
	closed   bool
}

// NewCamera opens the camera head at the given USB vendor and product ID
func NewCamera(vid, pid uint16) (*Camera, error) {
	p, err := openUSB(vid, pid)
	if err != nil {
		return nil, hardware.WrapFatal("stresing", "open", err)
	}
	return &Camera{port: p, exposure: time.Millisecond, gain: 1}, nil
}

// Configure sets the exposure time and gain on the head.  Exposure is
// encoded in microseconds, gain in hundredths.
func (c *Camera) Configure(exposure time.Duration, gain float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hardware.WrapFatal("stresing", "configure", errDeviceClosed())
	}
	payload := make([]byte, 6)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(exposure/time.Microsecond))
	binary.LittleEndian.PutUint16(payload[4:6], uint16(gain*100))
	_, err := c.exchange(context.Background(), "configure", cmdConfigure, payload, respAck)
	if err != nil {
		return err
	}
	c.exposure = exposure
	c.gain = gain
	return nil
}

// Acquire reads one frame from the head
func (c *Camera) Acquire(ctx context.Context) (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return camera.Frame{}, hardware.WrapFatal("stresing", "acquire", errDeviceClosed())
	}
	payload, err := c.exchange(ctx, "acquire", cmdReadFrame, nil, respFrame)
	if err != nil {
		return camera.Frame{}, err
	}
	if len(payload) != 2*TotalPixels {
		return camera.Frame{}, hardware.Wrap("stresing", "acquire",
			fmt.Errorf("frame payload is %d bytes, expected %d", len(payload), 2*TotalPixels))
	}
	samples := make([]float64, ValidPixels)
	for i := 0; i < ValidPixels; i++ {
		off := 2 * (FirstPixel + i)
		samples[i] = float64(binary.LittleEndian.Uint16(payload[off : off+2]))
	}
	return camera.Frame{
		Samples:   samples,
		Timestamp: time.Now(),
		Exposure:  c.exposure,
		Gain:      c.gain,
	}, nil
}

// Channels returns the number of valid pixels per frame
func (c *Camera) Channels() int {
	return ValidPixels
}

// Close releases the USB device.  Safe to call multiple times.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.port.close()
}

// exchange writes a request block and decodes the response.  Transport
// failures are fatal (the link is gone); framing and CRC failures are
// retryable (the head is still there, the read was bad).
func (c *Camera) exchange(ctx context.Context, op string, cmd byte, payload []byte, want byte) ([]byte, error) {
	if err := c.port.write(ctx, encodeBlock(cmd, payload)); err != nil {
		return nil, wrapTransport(op, err)
	}
	buf := make([]byte, readBufSize)
	n, err := c.port.read(ctx, buf)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	resp, data, err := decodeBlock(buf[:n])
	if err != nil {
		return nil, hardware.Wrap("stresing", op, err)
	}
	if resp == respNack {
		return nil, hardware.Wrap("stresing", op, fmt.Errorf("head rejected command %#02x", cmd))
	}
	if resp != want {
		return nil, hardware.Wrap("stresing", op,
			fmt.Errorf("unexpected response %#02x, wanted %#02x", resp, want))
	}
	return data, nil
}

// wrapTransport classifies a bulk transfer failure.  Cancellations and
// timeouts are retryable; anything else means the link is gone.
func wrapTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || hardware.IsTimeout(err) {
		return hardware.Wrap("stresing", op, err)
	}
	return hardware.WrapFatal("stresing", op, err)
}

func errDeviceClosed() error {
	return fmt.Errorf("device is closed")
}
