package galil

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/beamline/galilshutter/comm"
)

// MockStep is the distance the mock axis travels between two TP queries
const MockStep = 250

var (
	reExternal = regexp.MustCompile(`#B;PA(-?\d+);BGA;AMA;EN;\s*#C;PA(-?\d+);BGA;AMA;EN`)
	reAssign   = regexp.MustCompile(`^(AC|DC|SP)A=(-?\d+)$`)
	reMove     = regexp.MustCompile(`^(PA|JG)\s*A?=?\s*(-?\d+)$`)
)

func rejected(cmd string, code int, msg string) error {
	return &CommandError{Cmd: cmd, Code: code, Message: msg}
}

// Mock is a simulated single axis controller.  It understands the subset of
// the command language a shutter uses and runs the autonomous two-setpoint
// program against a simulated digital input.
type Mock struct {
	sync.Mutex

	// Step is the travel per TP query, MockStep if zero
	Step int

	open     bool
	servo    bool
	moving   bool
	pos      int
	target   int
	speed    int
	program  string
	external bool
	extOpen  int
	extClose int
	input1   int
}

// NewMock returns a mock controller with the axis at pos
func NewMock(pos int) *Mock {
	return &Mock{pos: pos, target: pos, Step: MockStep}
}

// SetInput sets the level of digital input 1
func (m *Mock) SetInput(level int) {
	m.Lock()
	defer m.Unlock()
	m.input1 = level
}

// Running returns true if the autonomous program is executing
func (m *Mock) Running() bool {
	m.Lock()
	defer m.Unlock()
	return m.external
}

// Open validates the target and marks the mock connected
func (m *Mock) Open(target string) error {
	if _, err := ParseTarget(target, DefaultPort); err != nil {
		return &LinkError{Op: "open", Addr: target, Err: err}
	}
	m.Lock()
	defer m.Unlock()
	m.open = true
	return nil
}

// Close marks the mock disconnected
func (m *Mock) Close() error {
	m.Lock()
	defer m.Unlock()
	m.open = false
	return nil
}

// Version returns the version of the link
func (m *Mock) Version() string {
	return "galilshutter mock link " + LinkVersion
}

// Info describes the simulated controller
func (m *Mock) Info() (string, error) {
	rev, err := m.Command("\x12\x16")
	if err != nil {
		return "", err
	}
	return "mock, " + rev + ", serial 0", nil
}

// Command executes one or more semicolon separated commands.  The response
// of the last command that produced one is returned.
func (m *Mock) Command(cmd string) (string, error) {
	m.Lock()
	defer m.Unlock()
	if !m.open {
		return "", &LinkError{Op: "command", Addr: "mock", Err: comm.ErrNotConnected}
	}
	var resp string
	for _, c := range strings.Split(cmd, ";") {
		r, err := m.exec(strings.TrimSpace(c))
		if err != nil {
			return "", err
		}
		if r != "" {
			resp = r
		}
	}
	return resp, nil
}

// DownloadProgram stores the program for a later XQ
func (m *Mock) DownloadProgram(program, opts string) error {
	m.Lock()
	defer m.Unlock()
	if !m.open {
		return &LinkError{Op: "download", Addr: "mock", Err: comm.ErrNotConnected}
	}
	level, err := ParseDownloadOptions(opts)
	if err != nil {
		return &CommandError{Cmd: "DL", Message: err.Error()}
	}
	if _, err := EncodeProgram(program, level); err != nil {
		return &CommandError{Cmd: "DL", Message: err.Error()}
	}
	if m.external {
		return rejected("DL", 7, "Command not valid while running")
	}
	m.program = program
	return nil
}

// advance moves the axis one step toward its target.  m must be locked.
func (m *Mock) advance() {
	if m.external && !m.moving {
		tgt := m.extOpen
		if m.input1 != 0 {
			tgt = m.extClose
		}
		if tgt != m.pos {
			m.target = tgt
			m.moving = true
		}
	}
	if !m.moving {
		return
	}
	step := m.Step
	if step <= 0 {
		step = MockStep
	}
	d := m.target - m.pos
	switch {
	case d > step:
		m.pos += step
	case d < -step:
		m.pos -= step
	default:
		m.pos = m.target
		m.moving = false
	}
}

func (m *Mock) stop() {
	m.moving = false
	m.target = m.pos
}

// exec runs a single command.  m must be locked.
func (m *Mock) exec(c string) (string, error) {
	upper := strings.ToUpper(c)
	switch upper {
	case "":
		return "", nil
	case "TP", "TPA", "TP A":
		m.advance()
		return strconv.Itoa(m.pos), nil
	case "BG", "BGA", "BG A":
		if !m.servo {
			return "", rejected(c, 20, "Begin not valid with motor off")
		}
		m.moving = m.target != m.pos
		return "", nil
	case "ST", "STA", "ST A":
		m.stop()
		return "", nil
	case "AB", "AB 0", "AB0", "AB 1", "AB1":
		m.stop()
		m.external = false
		if strings.HasSuffix(upper, "1") {
			m.servo = false
		}
		return "", nil
	case "MO", "MOA", "MO A":
		m.stop()
		m.servo = false
		return "", nil
	case "SH", "SHA", "SH A":
		m.servo = true
		return "", nil
	case "RS":
		m.stop()
		m.servo = false
		m.external = false
		m.program = ""
		return "", nil
	case "XQ", "XQ #A", "XQ#A":
		return "", m.run(c)
	case "MG _BN":
		return "0", nil
	case "\x12\x16":
		return "DMC4010 Rev 1.3a mock", nil
	case "EN", "AMA", "AM A":
		return "", nil
	}
	if sub := reMove.FindStringSubmatch(upper); sub != nil {
		v, _ := strconv.Atoi(sub[2])
		if sub[1] == "PA" {
			m.target = v
		} else {
			m.speed = v
		}
		return "", nil
	}
	if reAssign.MatchString(upper) {
		return "", nil
	}
	return "", rejected(c, 1, "Unrecognized command")
}

// run executes the downloaded program.  m must be locked.
func (m *Mock) run(cmd string) error {
	if m.program == "" {
		return rejected(cmd, 6, "Undefined label")
	}
	if sub := reExternal.FindStringSubmatch(m.program); sub != nil {
		m.extOpen, _ = strconv.Atoi(sub[1])
		m.extClose, _ = strconv.Atoi(sub[2])
		m.servo = true
		m.external = true
		m.stop()
		return nil
	}
	indexing := false
	for _, line := range strings.Split(m.program, "\n") {
		for _, stmt := range strings.Split(line, ";") {
			stmt = strings.TrimSpace(stmt)
			switch {
			case stmt == "", strings.HasPrefix(stmt, "#"):
				continue
			case strings.ToUpper(stmt) == "FI":
				indexing = true
				continue
			}
			if _, err := m.exec(stmt); err != nil {
				return err
			}
		}
	}
	if indexing {
		// the index mark is the origin
		m.stop()
		m.pos = 0
		m.target = 0
	}
	return nil
}
