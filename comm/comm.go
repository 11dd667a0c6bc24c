/*Package comm provides the transport used to talk to lab hardware over TCP or
RS232.

Most usages of this package will boil down to:
	1.  embed or hold a *RemoteDevice in a type that represents your hardware.
	2.  pick the right Terminators.  The default is a carriage return both ways.
	3.  write any methods you see fit on top of Send, Write, and RecvUntil.

A minimal example for a controller that answers "TP" with its position and
terminates every reply with a colon:

	terms := comm.Terminators{Rx: ':', Tx: '\r'}
	rd := comm.NewRemoteDevice("192.168.1.10:23", false, &terms, nil)
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	if err := rd.Send([]byte("TP")); err != nil {
		return err
	}
	resp, _, err := rd.RecvUntil()
*/
package comm

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

const (
	// DefaultTimeout is used for connect, read, and write when none is given
	DefaultTimeout = 3 * time.Second
)

var (
	// ErrNoSerialConf is generated when a serial device has no serial config
	ErrNoSerialConf = errors.New("remote device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmission and receipt termination bytes
type Terminators struct {
	Rx byte
	Tx byte
}

// RemoteDevice has an address and a connection to the hardware at that address.
//
// It is safe for concurrent use; the embedded mutex is available to callers
// that need a send and its matching receive to be atomic.
type RemoteDevice struct {
	sync.Mutex

	// Addr is a host:port for TCP or a device path for serial
	Addr string

	// IsSerial selects RS232 instead of TCP
	IsSerial bool

	// Conn is the live connection, nil when closed
	Conn io.ReadWriteCloser

	// Timeout is used for connect and as the read/write deadline
	Timeout time.Duration

	terms  Terminators
	serCfg *serial.Config
	reader *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms and serCfg may
// be nil; nil terms means carriage returns both ways.
func NewRemoteDevice(addr string, isSerial bool, terms *Terminators, serCfg *serial.Config) RemoteDevice {
	t := Terminators{Rx: '\r', Tx: '\r'}
	if terms != nil {
		t = *terms
	}
	return RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  DefaultTimeout,
		terms:    t,
		serCfg:   serCfg,
	}
}

// Open the connection, setting the Conn variable.  A connection that is
// already open is left alone.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// we use an exponential backoff, motion controllers
	// do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") || err == ErrNoSerialConf {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return errors.Wrapf(err, "connection timeout to %s", rd.Addr)
	}
	return errors.Wrapf(err, "connecting to %s", rd.Addr)
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.IsSerial {
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		cfg := *rd.serCfg
		cfg.Name = rd.Addr
		if cfg.ReadTimeout == 0 {
			cfg.ReadTimeout = rd.Timeout
		}
		conn, err = serial.OpenPort(&cfg)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable.  Closing a closed device is
// not an error.
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

func (rd *RemoteDevice) refreshDeadline() {
	if c, ok := rd.Conn.(net.Conn); ok && rd.Timeout > 0 {
		c.SetDeadline(time.Now().Add(rd.Timeout))
	}
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.refreshDeadline()
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.terms.Tx)
	_, err := rd.Conn.Write(buf)
	return err
}

// Write writes data to the remote as-is, without a terminator
func (rd *RemoteDevice) Write(b []byte) (int, error) {
	if rd.Conn == nil {
		return 0, ErrNotConnected
	}
	rd.refreshDeadline()
	return rd.Conn.Write(b)
}

// RecvUntil reads until any of the stop bytes is seen, or the Rx terminator
// if none are given.  It returns the data before the stop byte and the stop
// byte that ended the read.
func (rd *RemoteDevice) RecvUntil(stops ...byte) ([]byte, byte, error) {
	if rd.Conn == nil {
		return nil, 0, ErrNotConnected
	}
	if len(stops) == 0 {
		stops = []byte{rd.terms.Rx}
	}
	rd.refreshDeadline()
	var out []byte
	for {
		c, err := rd.reader.ReadByte()
		if err != nil {
			if err == io.EOF && len(out) > 0 {
				return out, 0, ErrTerminatorNotFound
			}
			return out, 0, err
		}
		for _, s := range stops {
			if c == s {
				return out, c, nil
			}
		}
		out = append(out, c)
	}
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
