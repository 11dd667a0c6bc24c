/*Package shutter drives a single axis beam shutter through a Galil controller.

The shutter has two setpoints, open and close.  Its state is inferred from
the axis position, which is read from the controller before every operation
and every attribute access.  There is no background polling.

Control of the axis belongs either to the host (Software mode), in which case
Open and Close issue moves, or to the controller (External mode), in which
case a program running on the controller moves to open or close according to
digital input 1.

Every operation is guarded by a predicate on the state and mode; refused
operations return ErrNotAllowed and have no side effects.  Failures of the
controller link are never returned to the caller; they close the link, put
the shutter in the Fault state, and are logged.  The next access reopens the
link.
*/
package shutter

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/beamline/galilshutter/galil"
)

// Link is a connection to the motion controller
type Link interface {
	// Open connects to target, a gclib style connection string
	Open(target string) error

	// Command sends a command and returns the response
	Command(cmd string) (string, error)

	// DownloadProgram replaces the program on the controller
	DownloadProgram(program, opts string) error

	// Close disconnects, closing a closed link is not an error
	Close() error
}

// Identifier is implemented by links that can describe themselves
type Identifier interface {
	Version() string
	Info() (string, error)
}

// Config holds the setpoints and the controller location
type Config struct {
	// Name identifies the shutter in logs and topics
	Name string `koanf:"Name" yaml:"Name"`

	// OpenValue is the open setpoint, in counts
	OpenValue int `koanf:"OpenValue" yaml:"OpenValue"`

	// CloseValue is the close setpoint, in counts
	CloseValue int `koanf:"CloseValue" yaml:"CloseValue"`

	// ClosingTolerance is the half width of the band around a setpoint
	// in which the axis has arrived, 0..500 counts
	ClosingTolerance int `koanf:"ClosingTolerance" yaml:"ClosingTolerance"`

	// Offset is the clockwise offset from the index mark, 0..3999 counts.
	// It is informational only.
	Offset int `koanf:"Offset" yaml:"Offset"`

	// Host is the controller address
	Host string `koanf:"Host" yaml:"Host"`

	// Port is the controller's TCP port
	Port int `koanf:"Port" yaml:"Port"`

	// SettleDelay is the pause between closing and reopening the link
	SettleDelay time.Duration `koanf:"SettleDelay" yaml:"SettleDelay"`
}

// DefaultConfig returns the configuration of the beamline shutter
func DefaultConfig() Config {
	return Config{
		Name:             "shutter",
		OpenValue:        7000,
		CloseValue:       7500,
		ClosingTolerance: 40,
		Offset:           2100,
		Host:             "172.16.206.54",
		Port:             galil.DefaultPort,
		SettleDelay:      time.Second,
	}
}

// Snapshot is a consistent view of a shutter
type Snapshot struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Status   string    `json:"status"`
	Position int       `json:"position"`
	External bool      `json:"externalControl"`
	LastPoll time.Time `json:"lastPoll"`
}

func (s Snapshot) differs(o Snapshot) bool {
	return s.State != o.State || s.Position != o.Position || s.External != o.External
}

// Option configures a Shutter
type Option func(*Shutter)

// WithClock replaces the wall clock, for the settle delay and poll timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Shutter) { s.clock = c }
}

// WithLogger replaces the logger
func WithLogger(l *logrus.Entry) Option {
	return func(s *Shutter) { s.log = l }
}

// Shutter is a beam shutter.  It is safe for concurrent use; all access to
// the link and the state is serialized.
type Shutter struct {
	mu sync.Mutex

	link  Link
	cfg   Config
	clock clock.Clock
	log   *logrus.Entry

	state     State
	mode      Mode
	pos       int
	status    string
	lastPoll  time.Time
	connected bool

	handlers []func(Snapshot)
}

// New returns a shutter using link.  The link is not opened until Init.
func New(link Link, cfg Config, opts ...Option) *Shutter {
	s := &Shutter{
		link:   link,
		cfg:    cfg,
		clock:  clock.New(),
		state:  Unknown,
		mode:   Software,
		status: "not initialized",
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logrus.WithField("device", cfg.Name)
	}
	return s
}

// Target is the link connection string
func (s *Shutter) Target() string {
	host := s.cfg.Host
	if s.cfg.Port != 0 && s.cfg.Port != galil.DefaultPort && !galil.IsDevicePath(host) {
		host = net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
	}
	return galil.FormatTarget(host)
}

// OnUpdate registers f to be called after any change of state, position, or
// mode.  f is called without the shutter locked and may call its methods.
func (s *Shutter) OnUpdate(f func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, f)
}

// setState changes the state and status.  s.mu must be held.
func (s *Shutter) setState(st State, why string) {
	if st != s.state {
		s.log.WithFields(logrus.Fields{"state": st.String(), "from": s.state.String()}).Debug(why)
	}
	s.state = st
	s.status = "The device is in " + st.String() + " state. " + why
}

// snapshot must be called with s.mu held
func (s *Shutter) snapshot() Snapshot {
	return Snapshot{
		Name:     s.cfg.Name,
		State:    s.state,
		Status:   s.status,
		Position: s.pos,
		External: s.mode == External,
		LastPoll: s.lastPoll,
	}
}

// access runs fn with the shutter locked after a position poll, then
// notifies subscribers if anything they can see changed
func (s *Shutter) access(fn func() error) error {
	s.mu.Lock()
	before := s.snapshot()
	s.poll()
	err := fn()
	after := s.snapshot()
	handlers := s.handlers
	s.mu.Unlock()
	if after.differs(before) {
		for _, h := range handlers {
			h(after)
		}
	}
	return err
}

// guarded runs op if cmd is allowed after the poll
func (s *Shutter) guarded(cmd Command, op func()) error {
	return s.access(func() error {
		if !s.allowed(cmd) {
			s.log.WithFields(logrus.Fields{"op": cmd.String(), "state": s.state.String(), "mode": s.mode.String()}).
				Info("operation refused")
			return errors.Wrapf(ErrNotAllowed, "%s in state %s, mode %s", cmd, s.state, s.mode)
		}
		op()
		return nil
	})
}

// allowed is the guard predicate of cmd.  s.mu must be held.
func (s *Shutter) allowed(cmd Command) bool {
	switch cmd {
	case CmdFindIndex, CmdSoftReset:
		return s.state != Moving
	case CmdExternalControl, CmdSoftCtrl:
		return s.state != Open
	case CmdOpen:
		return s.mode != External && s.state != Moving && s.state != Open
	case CmdClose:
		return s.mode != External && s.state != Moving && s.state != Close
	}
	return true
}

// Allowed polls the position and reports whether cmd would be accepted
func (s *Shutter) Allowed(cmd Command) bool {
	var ok bool
	s.access(func() error {
		ok = s.allowed(cmd)
		return nil
	})
	return ok
}

// run sends each command in turn, stopping at the first failure.  s.mu must be held.
func (s *Shutter) run(cmds ...string) error {
	for _, c := range cmds {
		if _, err := s.link.Command(c); err != nil {
			return err
		}
	}
	return nil
}

// execute downloads program and starts it.  s.mu must be held.
func (s *Shutter) execute(program string) error {
	if err := s.link.DownloadProgram(program, DownloadOptions); err != nil {
		return err
	}
	return s.run("XQ")
}

// motorInit aborts any running program and initializes the motor.
// A program cannot be downloaded while one runs.  s.mu must be held.
func (s *Shutter) motorInit() error {
	if err := s.run("AB 0"); err != nil {
		return err
	}
	return s.execute(MotorInitProgram)
}

// externalControl hands the axis to the controller's program.  s.mu must be held.
func (s *Shutter) externalControl() {
	prog, err := ExternalProgram(s.cfg.OpenValue, s.cfg.CloseValue)
	if err == nil {
		err = s.motorInit()
	}
	if err == nil {
		err = s.execute(prog)
	}
	if err != nil {
		s.fault(CmdExternalControl.String(), err)
		return
	}
	s.mode = External
	s.setState(Insert, "the controller program owns the axis")
}

// Init connects to the controller and hands the axis to the controller's
// program.  An error is returned only if the link cannot be opened; the
// shutter is then in Fault and the next access retries.
func (s *Shutter) Init() error {
	s.mu.Lock()
	before := s.snapshot()
	err := s.init()
	after := s.snapshot()
	handlers := s.handlers
	s.mu.Unlock()
	if after.differs(before) {
		for _, h := range handlers {
			h(after)
		}
	}
	return err
}

func (s *Shutter) init() error {
	s.mode = Software
	// a previous connection may still be held by the controller
	s.link.Close()
	s.connected = false
	s.clock.Sleep(s.cfg.SettleDelay)
	target := s.Target()
	s.log.WithField("target", target).Info("connecting to controller")
	if err := s.link.Open(target); err != nil {
		s.fault("init", err)
		return err
	}
	s.connected = true
	if id, ok := s.link.(Identifier); ok {
		info, err := id.Info()
		if err != nil {
			s.log.WithError(err).Warn("controller info query failed")
		}
		s.log.WithFields(logrus.Fields{"version": id.Version(), "info": info}).Info("controller connected")
	}
	if err := s.poll(); err != nil {
		return nil
	}
	s.setState(Standby, "initialized")
	s.externalControl()
	return nil
}

// Shutdown closes the link
func (s *Shutter) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.setState(Off, "shut down")
	return s.link.Close()
}

// TurnOn initializes the motor and engages the servo
func (s *Shutter) TurnOn() error {
	return s.guarded(CmdTurnOn, func() {
		if err := s.execute(MotorInitProgram); err != nil {
			s.fault(CmdTurnOn.String(), err)
			return
		}
		s.setState(On, "motor on")
	})
}

// TurnOff stops the axis and disables the servo
func (s *Shutter) TurnOff() error {
	return s.guarded(CmdTurnOff, func() {
		if err := s.run("ST A", "MO"); err != nil {
			s.fault(CmdTurnOff.String(), err)
			return
		}
		s.setState(Off, "motor off")
	})
}

// StopMotor stops the axis
func (s *Shutter) StopMotor() error {
	return s.guarded(CmdStop, func() {
		if err := s.run("ST A"); err != nil {
			s.fault(CmdStop.String(), err)
			return
		}
		s.setState(Standby, "stopped")
	})
}

// FindIndex aborts any program, returns control to software, and jogs to the index mark
func (s *Shutter) FindIndex() error {
	return s.guarded(CmdFindIndex, func() {
		err := s.run("AB 0")
		if err == nil {
			s.mode = Software
			err = s.execute(FindIndexProgram)
		}
		if err != nil {
			s.fault(CmdFindIndex.String(), err)
			return
		}
		s.setState(Unknown, "searching for index")
	})
}

// ExternalControl downloads and starts the program that moves the axis on digital input 1
func (s *Shutter) ExternalControl() error {
	return s.guarded(CmdExternalControl, s.externalControl)
}

// SoftCtrl returns control to software and moves to close
func (s *Shutter) SoftCtrl() error {
	return s.guarded(CmdSoftCtrl, func() {
		err := s.motorInit()
		if err == nil {
			err = s.run(moveCommand(s.cfg.CloseValue), "BG A")
		}
		// software owns the axis even if the close did not start
		s.mode = Software
		if err != nil {
			s.fault(CmdSoftCtrl.String(), err)
			return
		}
		s.setState(Moving, "software control, closing")
	})
}

// move is an absolute move to pos.  s.mu must be held.
func (s *Shutter) move(cmd Command, pos int) {
	s.setState(Moving, "moving to "+strconv.Itoa(pos))
	if err := s.run(moveCommand(pos), "BG A"); err != nil {
		s.fault(cmd.String(), err)
	}
}

// Open moves to the open setpoint
func (s *Shutter) Open() error {
	return s.guarded(CmdOpen, func() { s.move(CmdOpen, s.cfg.OpenValue) })
}

// Close moves to the close setpoint
func (s *Shutter) Close() error {
	return s.guarded(CmdClose, func() { s.move(CmdClose, s.cfg.CloseValue) })
}

// GalilSoftReset resets the controller
func (s *Shutter) GalilSoftReset() error {
	return s.guarded(CmdSoftReset, func() {
		if err := s.run("RS"); err != nil {
			s.fault(CmdSoftReset.String(), err)
			return
		}
		s.setState(Standby, "controller reset")
	})
}

// SingleCommandInput sends cmd to the controller verbatim and reports
// whether it was accepted.  The position is no longer trusted afterwards.
func (s *Shutter) SingleCommandInput(cmd string) bool {
	var ok bool
	s.guarded(CmdSingleCommand, func() {
		resp, err := s.link.Command(cmd)
		if err != nil {
			s.fault(CmdSingleCommand.String(), err)
			return
		}
		s.log.WithFields(logrus.Fields{"op": CmdSingleCommand.String(), "cmd": cmd}).Infof("response %q", resp)
		s.setState(Unknown, "after "+strconv.Quote(cmd))
		ok = true
	})
	return ok
}

// State polls the position and returns the state
func (s *Shutter) State() State {
	return s.Snapshot().State
}

// Status polls the position and returns the status message
func (s *Shutter) Status() string {
	return s.Snapshot().Status
}

// Position polls and returns the position of the axis
func (s *Shutter) Position() int {
	return s.Snapshot().Position
}

// SetPosition is accepted and ignored; the shutter is positioned by Open and Close
func (s *Shutter) SetPosition(int) {
	s.access(func() error { return nil })
}

// IsExternal polls and reports whether the controller's program owns the axis
func (s *Shutter) IsExternal() bool {
	return s.Snapshot().External
}

// LastPoll is the time of the last successful position poll
func (s *Shutter) LastPoll() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPoll
}

// Snapshot polls the position and returns a view of the shutter
func (s *Shutter) Snapshot() Snapshot {
	var snap Snapshot
	s.access(func() error {
		snap = s.snapshot()
		return nil
	})
	return snap
}

// Config polls the position and returns the setpoints
func (s *Shutter) Config() Config {
	var cfg Config
	s.access(func() error {
		cfg = s.cfg
		return nil
	})
	return cfg
}

// setInt writes an integer setting after a poll if it is in [lo, hi]
func (s *Shutter) setInt(name string, dst *int, v, lo, hi int) error {
	return s.access(func() error {
		if v < lo || v > hi {
			return errors.Wrapf(ErrOutOfRange, "%s=%d, must be in [%d, %d]", name, v, lo, hi)
		}
		*dst = v
		s.log.WithField(name, v).Info("setting changed")
		return nil
	})
}

// OpenValue polls and returns the open setpoint
func (s *Shutter) OpenValue() int { return s.Config().OpenValue }

// CloseValue polls and returns the close setpoint
func (s *Shutter) CloseValue() int { return s.Config().CloseValue }

// ClosingTolerance polls and returns the tolerance
func (s *Shutter) ClosingTolerance() int { return s.Config().ClosingTolerance }

// Offset polls and returns the index offset
func (s *Shutter) Offset() int { return s.Config().Offset }

// SetOpenValue changes the open setpoint.  A running controller program
// keeps the old value until ExternalControl is called again.
func (s *Shutter) SetOpenValue(v int) error {
	return s.setInt("OpenValue", &s.cfg.OpenValue, v, MinPosition, MaxPosition)
}

// SetCloseValue changes the close setpoint
func (s *Shutter) SetCloseValue(v int) error {
	return s.setInt("CloseValue", &s.cfg.CloseValue, v, MinPosition, MaxPosition)
}

// SetClosingTolerance changes the tolerance, 0..500
func (s *Shutter) SetClosingTolerance(v int) error {
	return s.setInt("ClosingTolerance", &s.cfg.ClosingTolerance, v, 0, 500)
}

// SetOffset changes the index offset, 0..3999
func (s *Shutter) SetOffset(v int) error {
	return s.setInt("Offset", &s.cfg.Offset, v, 0, 3999)
}
