package galil_test

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/galilshutter/galil"
)

// fakeController speaks just enough of the Galil protocol for the link
type fakeController struct {
	sync.Mutex
	addr     string
	received []string
	program  string
	lastErr  string
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	f := &fakeController{addr: ln.Addr().String()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeController) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := line[:len(line)-1]
		f.Lock()
		f.received = append(f.received, cmd)
		f.Unlock()
		switch cmd {
		case "DL":
			prog, err := r.ReadString('\\')
			if err != nil {
				return
			}
			f.Lock()
			f.program = prog[:len(prog)-1]
			f.Unlock()
			c.Write([]byte(":"))
		case "TP":
			c.Write([]byte(" 7005\r\n:"))
		case "TC1":
			f.Lock()
			msg := f.lastErr
			f.Unlock()
			c.Write([]byte(msg + "\r\n:"))
		case "MG _BN":
			c.Write([]byte(" 4242.0000\r\n:"))
		case "\x12\x16":
			c.Write([]byte("DMC4010 Rev 1.3a\r\n:"))
		case "XX":
			f.Lock()
			f.lastErr = "1 Unrecognized command"
			f.Unlock()
			c.Write([]byte("?"))
		default:
			c.Write([]byte(":"))
		}
	}
}

func (f *fakeController) Received() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.received...)
}

func openFake(t *testing.T) (*galil.Controller, *fakeController) {
	f := newFakeController(t)
	c := galil.NewController(galil.DefaultPort, time.Second)
	require.NoError(t, c.Open(f.addr+" --direct -s ALL"))
	t.Cleanup(func() { c.Close() })
	return c, f
}

func TestCommandTrimsResponse(t *testing.T) {
	c, _ := openFake(t)
	resp, err := c.Command("TP")
	require.NoError(t, err)
	assert.Equal(t, "7005", resp)

	resp, err = c.Command("PA7000")
	require.NoError(t, err)
	assert.Equal(t, "", resp)
}

func TestRejectedCommandQueriesTC1(t *testing.T) {
	c, f := openFake(t)
	_, err := c.Command("XX")
	require.Error(t, err)
	var ce *galil.CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "XX", ce.Cmd)
	assert.Equal(t, 1, ce.Code)
	assert.Equal(t, "Unrecognized command", ce.Message)
	assert.Equal(t, []string{"XX", "TC1"}, f.Received())

	// the link is still usable after a rejection
	resp, err := c.Command("TP")
	require.NoError(t, err)
	assert.Equal(t, "7005", resp)
}

func TestDownloadProgram(t *testing.T) {
	c, f := openFake(t)
	require.NoError(t, c.DownloadProgram("#A;JS#B,@IN[1]=0;\n  #B;PA7000;EN  \n\n", "--max 3"))
	f.Lock()
	defer f.Unlock()
	assert.Equal(t, "#A;JS#B,@IN[1]=0;\r#B;PA7000;EN\r", f.program)
}

func TestDownloadThenCommandFraming(t *testing.T) {
	c, f := openFake(t)
	require.NoError(t, c.DownloadProgram("#A;EN", "--max 3"))
	resp, err := c.Command("TP")
	require.NoError(t, err)
	assert.Equal(t, "7005", resp)
	// one line per command, nothing stray after the download terminator
	assert.Equal(t, []string{"DL", "TP"}, f.Received())
}

func TestDownloadRejectsUnknownOption(t *testing.T) {
	c, f := openFake(t)
	err := c.DownloadProgram("#A;EN", "--fast")
	var ce *galil.CommandError
	require.True(t, errors.As(err, &ce))
	assert.Empty(t, f.Received(), "nothing should be sent for a bad option")
}

func TestInfo(t *testing.T) {
	c, _ := openFake(t)
	info, err := c.Info()
	require.NoError(t, err)
	assert.Contains(t, info, "DMC4010 Rev 1.3a")
	assert.Contains(t, info, "4242.0000")
	assert.Contains(t, c.Version(), galil.LinkVersion)
}

func TestCommandWhenClosedIsLinkError(t *testing.T) {
	c, _ := openFake(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err := c.Command("TP")
	var le *galil.LinkError
	require.True(t, errors.As(err, &le))
}

func TestOpenRefusedIsLinkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	p, _ := strconv.Atoi(port)

	c := galil.NewController(p, 500*time.Millisecond)
	err = c.Open(galil.FormatTarget("127.0.0.1"))
	var le *galil.LinkError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "open", le.Op)
}

func TestParseTarget(t *testing.T) {
	tg, err := galil.ParseTarget("172.16.206.54 --direct -s ALL", 23)
	require.NoError(t, err)
	assert.Equal(t, "172.16.206.54:23", tg.Addr)
	assert.True(t, tg.Direct)
	assert.Equal(t, "ALL", tg.Subscribe)
	assert.False(t, tg.Serial())
	assert.Equal(t, "172.16.206.54:23 --direct -s ALL", tg.String())

	tg, err = galil.ParseTarget("10.0.0.2:5023", 23)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:5023", tg.Addr)
	assert.False(t, tg.Direct)

	tg, err = galil.ParseTarget("/dev/ttyS0 -d", 23)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS0", tg.Addr)
	assert.True(t, tg.Serial())

	_, err = galil.ParseTarget("", 23)
	assert.Error(t, err)
	_, err = galil.ParseTarget("host -s BOGUS", 23)
	assert.Error(t, err)
	_, err = galil.ParseTarget("host -s", 23)
	assert.Error(t, err)
	_, err = galil.ParseTarget("host --verbose", 23)
	assert.Error(t, err)
}

func TestEncodeProgram(t *testing.T) {
	b, err := galil.EncodeProgram("#A;SH A;EN", 3)
	require.NoError(t, err)
	assert.Equal(t, "DL\r#A;SH A;EN\r\\", string(b))

	// level 0 keeps whitespace
	b, err = galil.EncodeProgram(" #A ", 0)
	require.NoError(t, err)
	assert.Equal(t, "DL\r #A \r\\", string(b))

	long := make([]byte, galil.MaxLineLength+1)
	for i := range long {
		long[i] = 'A'
	}
	_, err = galil.EncodeProgram(string(long), 3)
	assert.Equal(t, galil.ErrLineTooLong, errors.Cause(err))
}

func TestParseDownloadOptions(t *testing.T) {
	l, err := galil.ParseDownloadOptions("--max 3")
	require.NoError(t, err)
	assert.Equal(t, 3, l)

	l, err = galil.ParseDownloadOptions("")
	require.NoError(t, err)
	assert.Equal(t, 0, l)

	for _, bad := range []string{"--max", "--max 9", "--max x", "-x"} {
		_, err = galil.ParseDownloadOptions(bad)
		assert.Error(t, err, bad)
	}
}
