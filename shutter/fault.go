package shutter

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/beamline/galilshutter/galil"
)

// FaultKind categorizes errors met while driving the shutter
type FaultKind int

const (
	// NoFault is the kind of a nil error
	NoFault FaultKind = iota

	// LinkFault is a transport or communication failure
	LinkFault

	// ProtocolFault is a rejected command or a response that could not be understood
	ProtocolFault

	// GuardRejection is an operation refused in the current state or mode
	GuardRejection
)

func (k FaultKind) String() string {
	switch k {
	case NoFault:
		return "none"
	case LinkFault:
		return "link"
	case ProtocolFault:
		return "protocol"
	case GuardRejection:
		return "guard"
	}
	return "invalid"
}

var (
	// ErrNotAllowed is returned by an operation refused by its guard
	ErrNotAllowed = errors.New("operation not allowed in the current state")

	// ErrBadPosition is generated when TP does not answer with an integer
	ErrBadPosition = errors.New("position response is not an integer")

	// ErrOutOfRange is generated when a setting is written with a value outside its range
	ErrOutOfRange = errors.New("value out of range")
)

// Classify maps an error to its FaultKind.  Errors of unknown origin are
// treated as link faults.
func Classify(err error) FaultKind {
	if err == nil {
		return NoFault
	}
	if errors.Is(err, ErrNotAllowed) {
		return GuardRejection
	}
	var (
		le   *galil.LinkError
		ce   *galil.CommandError
		nerr *strconv.NumError
	)
	switch {
	case errors.As(err, &le):
		return LinkFault
	case errors.As(err, &ce), errors.As(err, &nerr),
		errors.Is(err, ErrBadPosition), errors.Is(err, ErrSetpointRange):
		return ProtocolFault
	}
	return LinkFault
}

// fault applies the fault policy: the link is closed and the state is Fault.
// s.mu must be held.
func (s *Shutter) fault(op string, err error) {
	kind := Classify(err)
	s.log.WithFields(logrus.Fields{"op": op, "fault": kind.String()}).WithError(err).Error("shutter fault")
	s.closeLink()
	s.setState(Fault, op+" failed: "+err.Error())
}

// recoverLink is run when a position poll fails.  The link is closed, given
// time to settle, and reopened without being checked.  s.mu must be held.
func (s *Shutter) recoverLink(err error) {
	kind := Classify(err)
	log := s.log.WithFields(logrus.Fields{"op": "poll", "fault": kind.String()})
	log.WithError(err).Error("position poll failed, reconnecting")
	s.closeLink()
	s.clock.Sleep(s.cfg.SettleDelay)
	if oerr := s.link.Open(s.Target()); oerr != nil {
		log.WithError(oerr).Warn("reconnect failed")
	} else {
		s.connected = true
	}
	s.setState(Fault, "position poll failed: "+err.Error())
}

// closeLink closes the link if it is open.  s.mu must be held.
func (s *Shutter) closeLink() {
	if !s.connected {
		return
	}
	if err := s.link.Close(); err != nil {
		s.log.WithError(err).Warn("error closing controller link")
	}
	s.connected = false
}
