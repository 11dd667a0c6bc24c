package shutter

import (
	"strings"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a shutter
type State int

const (
	// Off means the motor is not energized
	Off State = iota

	// On means the motor is initialized and holding
	On

	// Standby means the motor is idle after a stop or reset
	Standby

	// Moving means a move was commanded and has not been seen to arrive
	Moving

	// Open means the axis is within tolerance of the open setpoint
	Open

	// Close means the axis is within tolerance of the close setpoint
	Close

	// Insert means the controller's program owns the axis and it rests at a setpoint
	Insert

	// Unknown means the position is no longer trustworthy
	Unknown

	// Fault means the controller link or a response failed
	Fault
)

var stateNames = [...]string{"OFF", "ON", "STANDBY", "MOVING", "OPEN", "CLOSE", "INSERT", "UNKNOWN", "FAULT"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText encodes the state as its name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Mode is who owns shutter motion
type Mode int

const (
	// Software mode, moves are commanded by the host
	Software Mode = iota

	// External mode, the controller's program moves on a digital input
	External
)

func (m Mode) String() string {
	if m == External {
		return "EXTERNAL"
	}
	return "SOFTWARE"
}

// Command identifies a guarded shutter operation
type Command int

const (
	CmdTurnOn Command = iota
	CmdTurnOff
	CmdStop
	CmdFindIndex
	CmdExternalControl
	CmdSoftReset
	CmdSoftCtrl
	CmdOpen
	CmdClose
	CmdSingleCommand
)

var commandNames = [...]string{
	"turn-on",
	"turn-off",
	"stop",
	"find-index",
	"external-control",
	"soft-reset",
	"soft-ctrl",
	"open",
	"close",
	"single-command",
}

// Commands lists every guarded operation
func Commands() []Command {
	out := make([]Command, len(commandNames))
	for i := range out {
		out[i] = Command(i)
	}
	return out
}

func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return "invalid"
	}
	return commandNames[c]
}

// ParseCommand is the inverse of Command.String.  Underscores are accepted
// in place of dashes.
func ParseCommand(s string) (Command, error) {
	s = strings.ReplaceAll(strings.ToLower(s), "_", "-")
	for i, n := range commandNames {
		if n == s {
			return Command(i), nil
		}
	}
	return 0, errors.Errorf("unknown command %q", s)
}
