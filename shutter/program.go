package shutter

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// MotorInitProgram sets acceleration, deceleration, and speed and engages the servo
	MotorInitProgram = "#A;ACA=1000000;DCA=1000000;SPA=200000;SH A;EN"

	// FindIndexProgram jogs to the index mark and holds there
	FindIndexProgram = "#A;ST;MO A;JG 5000;FI;SH A;BG A;EN"

	// DownloadOptions is used for every program download
	DownloadOptions = "--max 3"

	// MaxPosition is the largest position the controller can represent
	MaxPosition = 2147483647

	// MinPosition is the smallest position the controller can represent
	MinPosition = -2147483647

	externalTemplate = "#A;JS#B,@IN[1]=0;JS#C,@IN[1]=1;JP#A;\n#B;PA%d;BGA;AMA;EN;\n#C;PA%d;BGA;AMA;EN"
)

// ErrSetpointRange is generated when a setpoint does not fit the controller's position register
var ErrSetpointRange = errors.New("setpoint outside controller position range")

func checkSetpoint(name string, v int) error {
	if v < MinPosition || v > MaxPosition {
		return errors.Wrapf(ErrSetpointRange, "%s=%d", name, v)
	}
	return nil
}

// ExternalProgram builds the autonomous program that moves to open when
// digital input 1 is low and to close when it is high, forever
func ExternalProgram(open, close int) (string, error) {
	if err := checkSetpoint("open", open); err != nil {
		return "", err
	}
	if err := checkSetpoint("close", close); err != nil {
		return "", err
	}
	return fmt.Sprintf(externalTemplate, open, close), nil
}

// moveCommand is an absolute move to pos
func moveCommand(pos int) string {
	return fmt.Sprintf("PA%d", pos)
}
