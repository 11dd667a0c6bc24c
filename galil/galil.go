// Package galil provides a command/response link to Galil DMC motion controllers
package galil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/beamline/galilshutter/comm"
)

// The Galil command language is two letter mnemonics with optional axis and
// arguments, e.g. "PA 7000" or "BG A".  Several commands may be joined with
// semicolons.  The controller answers a command with any data it produces
// followed by a colon, or with a lone question mark if it rejected the
// command.  The reason for a rejection is queried with TC1.
//
// Programs are downloaded with DL, the program body, and a backslash.

const (
	// LinkVersion is the version of this link implementation
	LinkVersion = "1.2.0"

	// DefaultPort is the telnet port Galil controllers listen on
	DefaultPort = 23

	// MaxLineLength is the longest program line the controller accepts
	MaxLineLength = 80

	// Accepted terminates a response to a command the controller accepted
	Accepted = ':'

	// Rejected is the response to a command the controller rejected
	Rejected = '?'

	// Terminator ends a command sent to the controller
	Terminator = '\r'

	// DownloadEnd terminates a program download
	DownloadEnd = '\\'
)

// ErrLineTooLong is generated when a program line would overflow the controller's line buffer
var ErrLineTooLong = errors.New("program line too long, maximum is 80 characters")

// LinkError is a transport failure while talking to the controller
type LinkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("galil %s %s: %v", e.Op, e.Addr, e.Err)
}

// Cause satisfies github.com/pkg/errors.Cause
func (e *LinkError) Cause() error { return e.Err }

// Unwrap satisfies errors.Unwrap
func (e *LinkError) Unwrap() error { return e.Err }

// CommandError is generated when the controller rejects a command or answers
// with something that cannot be understood
type CommandError struct {
	Cmd     string
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("galil command %q: %s", e.Cmd, e.Message)
	}
	return fmt.Sprintf("galil command %q rejected: %d %s", e.Cmd, e.Code, e.Message)
}

// parseTC1 parses the response to TC1, e.g. "1 Unrecognized command"
func parseTC1(resp string) (int, string) {
	resp = strings.TrimSpace(resp)
	fields := strings.SplitN(resp, " ", 2)
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, resp
	}
	if len(fields) == 1 {
		return code, ""
	}
	return code, strings.TrimSpace(fields[1])
}

// makeSerConf makes a new serial.Config with the Galil factory defaults
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// Controller is a link to a single Galil controller.  It is not shared;
// one owner issues one command at a time.
type Controller struct {
	rd      *comm.RemoteDevice
	target  Target
	port    int
	timeout time.Duration
	log     *logrus.Entry
}

// NewController returns a new Controller that will connect on port when the
// target given to Open does not name one
func NewController(port int, timeout time.Duration) *Controller {
	if port == 0 {
		port = DefaultPort
	}
	if timeout == 0 {
		timeout = comm.DefaultTimeout
	}
	return &Controller{
		port:    port,
		timeout: timeout,
		log:     logrus.WithField("link", "galil"),
	}
}

// Open connects to the controller described by target, e.g.
// "172.16.206.54 --direct -s ALL".  A controller that is already open is
// closed first.
func (c *Controller) Open(target string) error {
	t, err := ParseTarget(target, c.port)
	if err != nil {
		return &LinkError{Op: "open", Addr: target, Err: err}
	}
	c.Close()
	terms := comm.Terminators{Rx: Accepted, Tx: Terminator}
	rd := comm.NewRemoteDevice(t.Addr, t.Serial(), &terms, makeSerConf(t.Addr))
	rd.Timeout = c.timeout
	if err := rd.Open(); err != nil {
		return &LinkError{Op: "open", Addr: t.Addr, Err: err}
	}
	c.rd = &rd
	c.target = t
	c.log = logrus.WithField("link", t.Addr)
	c.log.WithField("subscribe", t.Subscribe).Debug("link open")
	return nil
}

// Target returns the target of the last successful Open
func (c *Controller) Target() Target {
	return c.target
}

// Close the link.  Closing a closed link does nothing.
func (c *Controller) Close() error {
	if c.rd == nil {
		return nil
	}
	c.rd.Lock()
	err := c.rd.Close()
	c.rd.Unlock()
	c.rd = nil
	if err != nil {
		c.log.WithError(err).Warn("error closing link")
	}
	return nil
}

// send writes cmd with the carriage return appended.  c.rd must be locked.
func (c *Controller) send(op, cmd string) error {
	if err := c.rd.Send([]byte(cmd)); err != nil {
		return &LinkError{Op: op, Addr: c.target.Addr, Err: err}
	}
	return nil
}

// reply reads up to the colon or question mark.  c.rd must be locked.
func (c *Controller) reply(op string) (string, byte, error) {
	data, stop, err := c.rd.RecvUntil(Accepted, Rejected)
	if err != nil {
		return "", 0, &LinkError{Op: op, Addr: c.target.Addr, Err: err}
	}
	return string(data), stop, nil
}

// rejection asks the controller why it rejected cmd.  c.rd must be locked.
func (c *Controller) rejection(cmd string) error {
	if err := c.send("TC1", "TC1"); err != nil {
		return err
	}
	resp, stop, err := c.reply("TC1")
	if err != nil {
		return err
	}
	if stop != Accepted {
		return &CommandError{Cmd: cmd, Message: "command rejected, TC1 also rejected"}
	}
	code, msg := parseTC1(resp)
	return &CommandError{Cmd: cmd, Code: code, Message: msg}
}

// Command sends a command and returns the response with whitespace trimmed
func (c *Controller) Command(cmd string) (string, error) {
	if c.rd == nil {
		return "", &LinkError{Op: "command", Addr: c.target.Addr, Err: comm.ErrNotConnected}
	}
	c.rd.Lock()
	defer c.rd.Unlock()
	if err := c.send("command", cmd); err != nil {
		return "", err
	}
	resp, stop, err := c.reply("command")
	if err != nil {
		return "", err
	}
	if stop == Rejected {
		return "", c.rejection(cmd)
	}
	resp = strings.TrimSpace(resp)
	c.log.WithField("cmd", cmd).Debugf("response %q", resp)
	return resp, nil
}

// DownloadProgram downloads a program to the controller.  Lines are separated
// by newlines.  opts follows the gclib preprocessor syntax, only --max is
// understood.
func (c *Controller) DownloadProgram(program, opts string) error {
	if c.rd == nil {
		return &LinkError{Op: "download", Addr: c.target.Addr, Err: comm.ErrNotConnected}
	}
	level, err := ParseDownloadOptions(opts)
	if err != nil {
		return &CommandError{Cmd: "DL", Message: err.Error()}
	}
	body, err := EncodeProgram(program, level)
	if err != nil {
		return &CommandError{Cmd: "DL", Message: err.Error()}
	}
	c.rd.Lock()
	defer c.rd.Unlock()
	// the body carries its own terminators
	if _, err := c.rd.Write(body); err != nil {
		return &LinkError{Op: "download", Addr: c.target.Addr, Err: err}
	}
	_, stop, err := c.reply("download")
	if err != nil {
		return err
	}
	if stop == Rejected {
		return c.rejection("DL")
	}
	c.log.Debugf("downloaded %d byte program", len(body))
	return nil
}

// Version returns the version of the link
func (c *Controller) Version() string {
	return "galilshutter link " + LinkVersion
}

// Info returns the address, firmware revision, and serial number of the controller
func (c *Controller) Info() (string, error) {
	rev, err := c.Command("\x12\x16") // ^R^V
	if err != nil {
		return "", err
	}
	sn, err := c.Command("MG _BN")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s, %s, serial %s", c.target.Addr, rev, sn), nil
}

// ParseDownloadOptions parses gclib style download options and returns the
// compression level.  An empty string is level 0.
func ParseDownloadOptions(opts string) (int, error) {
	fields := strings.Fields(opts)
	level := 0
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "--max":
			if i+1 >= len(fields) {
				return 0, errors.New("--max requires a level")
			}
			i++
			l, err := strconv.Atoi(fields[i])
			if err != nil || l < 0 || l > 4 {
				return 0, errors.Errorf("--max level must be 0..4, got %q", fields[i])
			}
			level = l
		default:
			return 0, errors.Errorf("unknown download option %q", fields[i])
		}
	}
	return level, nil
}

// EncodeProgram produces the bytes of a DL transaction for program.  At
// compression level 1 and above, surrounding whitespace and blank lines are
// dropped.
func EncodeProgram(program string, level int) ([]byte, error) {
	lines := strings.Split(program, "\n")
	out := make([]byte, 0, len(program)+8)
	out = append(out, "DL"...)
	out = append(out, Terminator)
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if level > 0 {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
		}
		if len(line) > MaxLineLength {
			return nil, errors.Wrapf(ErrLineTooLong, "line %q", line)
		}
		out = append(out, line...)
		out = append(out, Terminator)
	}
	out = append(out, DownloadEnd)
	return out, nil
}
