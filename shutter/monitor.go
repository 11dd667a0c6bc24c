package shutter

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// ClassifyPosition returns the state implied by pos, and false when pos is
// near neither setpoint and the state should be left alone.  The open band
// is checked first so it wins if the bands overlap.
func ClassifyPosition(pos int, cfg Config, mode Mode) (State, bool) {
	at := Unknown
	switch {
	case abs(pos-cfg.OpenValue) < cfg.ClosingTolerance:
		at = Open
	case abs(pos-cfg.CloseValue) < cfg.ClosingTolerance:
		at = Close
	default:
		return at, false
	}
	if mode == External {
		return Insert, true
	}
	return at, true
}

// parsePosition parses a TP response.  The controller may answer with a
// fractional part, e.g. " 7005.0000".
func parsePosition(resp string) (int, error) {
	resp = strings.TrimSpace(resp)
	if i, err := strconv.Atoi(resp); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil || f != float64(int(f)) {
		return 0, errors.Wrapf(ErrBadPosition, "TP answered %q", resp)
	}
	return int(f), nil
}

// poll reads the position and reclassifies the state.  A link closed by an
// earlier fault is reopened first.  s.mu must be held.
func (s *Shutter) poll() error {
	if !s.connected {
		if err := s.link.Open(s.Target()); err != nil {
			s.fault("reconnect", err)
			return err
		}
		s.connected = true
		s.log.Info("controller link reopened")
	}
	resp, err := s.link.Command("TP")
	if err == nil {
		var pos int
		pos, err = parsePosition(resp)
		if err == nil {
			s.pos = pos
			s.lastPoll = s.clock.Now()
			if st, ok := ClassifyPosition(pos, s.cfg, s.mode); ok && st != s.state {
				s.setState(st, "axis at "+strconv.Itoa(pos))
			}
			return nil
		}
	}
	s.recoverLink(err)
	return err
}
