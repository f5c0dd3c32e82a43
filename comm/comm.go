/*Package comm provides a transport layer for communication with lab hardware.

Most usages of this package boil down to:
 1. embed RemoteDevice in a type that represents your hardware
 2. set the Tx/Rx terminators if they are not carriage returns
 3. write methods on top of SendRecv for each command the device knows.

Transactions are serialized by an internal lock, so a device shared between
goroutines never sees interleaved commands.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Sender has a Send method that passes along a byte slice
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that gets a byte slice
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and receive, and provides a method that sends then receives
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Communicator can Open, Send, Recv, and Close
type Communicator interface {
	io.Closer
	SendRecver

	Open() error
}

// RemoteDevice has an address and implements Communicator.
//
// If SerialConf is non-nil the connection is RS-232, otherwise TCP.
// Tx and Rx default to carriage returns when left zero.
type RemoteDevice struct {
	Addr string

	// Tx and Rx are the transmit and receive terminator bytes
	Tx, Rx byte

	// SerialConf is the serial port configuration; nil means TCP
	SerialConf *serial.Config

	// Timeout bounds connection setup and TCP reads and writes
	Timeout time.Duration

	conn io.ReadWriteCloser
	mu   sync.Mutex
}

// NewRemoteDevice creates a new RemoteDevice.  serConf == nil implies TCP.
func NewRemoteDevice(addr string, serConf *serial.Config) *RemoteDevice {
	return &RemoteDevice{
		Addr:       addr,
		Tx:         '\r',
		Rx:         '\r',
		SerialConf: serConf,
		Timeout:    3 * time.Second}
}

// Open the connection.  Connection-refused errors are retried with an
// exponential backoff; some devices do not like being connection thrashed.
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn != nil {
		return nil
	}
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", rd.Addr)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.SerialConf != nil {
		conn, err = serial.OpenPort(rd.SerialConf)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.conn = conn
	return nil
}

// Close the connection.  Close is idempotent; closing a device that is not
// open is a no-op.
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	return err
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.send(b)
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.conn == nil {
		return ErrNotConnected
	}
	if c, ok := rd.conn.(net.Conn); ok {
		c.SetWriteDeadline(time.Now().Add(rd.Timeout))
	}
	b = append(b, rd.Tx)
	_, err := rd.conn.Write(b)
	return err
}

// Recv receives data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.recv()
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	if c, ok := rd.conn.(net.Conn); ok {
		c.SetReadDeadline(time.Now().Add(rd.Timeout))
	}
	buf, err := bufio.NewReader(rd.conn).ReadBytes(rd.Rx)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{rd.Rx}) {
		return buf[:len(buf)-1], nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer then returns the response, as one uninterruptible
// transaction under the device lock
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.send(b); err != nil {
		return []byte{}, err
	}
	return rd.recv()
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
