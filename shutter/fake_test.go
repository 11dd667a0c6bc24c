package shutter_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/beamline/galilshutter/comm"
	"github.com/beamline/galilshutter/galil"
	"github.com/beamline/galilshutter/shutter"
)

// fakeLink answers TP with pos and records every other command
type fakeLink struct {
	sync.Mutex
	pos     string
	tpErr   error
	openErr error
	fail    map[string]error
	sent    []string
	opens   int
	closes  int
	targets []string
}

func newFakeLink(pos string) *fakeLink {
	return &fakeLink{pos: pos, fail: make(map[string]error)}
}

func (l *fakeLink) Open(target string) error {
	l.Lock()
	defer l.Unlock()
	l.opens++
	l.targets = append(l.targets, target)
	return l.openErr
}

func (l *fakeLink) Close() error {
	l.Lock()
	defer l.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) Command(cmd string) (string, error) {
	l.Lock()
	defer l.Unlock()
	if cmd == "TP" {
		if l.tpErr != nil {
			return "", l.tpErr
		}
		return l.pos, nil
	}
	l.sent = append(l.sent, cmd)
	if err := l.fail[cmd]; err != nil {
		return "", err
	}
	return "", nil
}

func (l *fakeLink) DownloadProgram(program, opts string) error {
	l.Lock()
	defer l.Unlock()
	l.sent = append(l.sent, "DL "+program+" "+opts)
	return l.fail["DL"]
}

func (l *fakeLink) SetPos(p string) {
	l.Lock()
	defer l.Unlock()
	l.pos = p
}

func (l *fakeLink) FailTP(err error) {
	l.Lock()
	defer l.Unlock()
	l.tpErr = err
}

func (l *fakeLink) Fail(cmd string, err error) {
	l.Lock()
	defer l.Unlock()
	l.fail[cmd] = err
}

// Sent returns the commands sent since the last call
func (l *fakeLink) Sent() []string {
	l.Lock()
	defer l.Unlock()
	out := l.sent
	l.sent = nil
	return out
}

func (l *fakeLink) Counts() (opens, closes int) {
	l.Lock()
	defer l.Unlock()
	return l.opens, l.closes
}

func contains(cmds []string, prefix string) bool {
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func linkErr() error {
	return &galil.LinkError{Op: "command", Addr: "fake", Err: comm.ErrNotConnected}
}

func testConfig() shutter.Config {
	cfg := shutter.DefaultConfig()
	cfg.Name = "test"
	cfg.SettleDelay = 0
	return cfg
}

// newShutter returns a shutter in Software mode that has not been initialized
func newShutter(t *testing.T, pos string) (*shutter.Shutter, *fakeLink) {
	t.Helper()
	l := newFakeLink(pos)
	return shutter.New(l, testConfig()), l
}

// initShutter returns a shutter that has run its startup sequence
func initShutter(t *testing.T, pos string) (*shutter.Shutter, *fakeLink) {
	t.Helper()
	s, l := newShutter(t, pos)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	l.Sent()
	return s, l
}
