package galil

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// subscriptions that may follow -s
var subscriptions = map[string]struct{}{
	"ALL":  {},
	"NONE": {},
	"MG":   {},
	"DR":   {},
	"EI":   {},
}

// Target is a parsed gclib style connection string, e.g.
// "172.16.206.54 --direct -s ALL"
type Target struct {
	// Addr is host:port for TCP or a device path for RS232
	Addr string

	// Direct is true when the connection bypasses gcaps
	Direct bool

	// Subscribe is the unsolicited message subscription, "" if not given
	Subscribe string
}

// IsDevicePath is true if addr names an RS232 device rather than a host
func IsDevicePath(addr string) bool {
	return strings.HasPrefix(addr, "/") || strings.HasPrefix(strings.ToUpper(addr), "COM")
}

// Serial is true if the target names an RS232 device rather than a host
func (t Target) Serial() bool {
	return IsDevicePath(t.Addr)
}

// String formats the target back into a connection string
func (t Target) String() string {
	s := t.Addr
	if t.Direct {
		s += " --direct"
	}
	if t.Subscribe != "" {
		s += " -s " + t.Subscribe
	}
	return s
}

// FormatTarget returns the connection string used for a shutter controller at host
func FormatTarget(host string) string {
	return host + " --direct -s ALL"
}

// ParseTarget parses a connection string.  A host without a port has
// defaultPort appended.
func ParseTarget(s string, defaultPort int) (Target, error) {
	var t Target
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return t, errors.New("empty connection string")
	}
	t.Addr = fields[0]
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "--direct", "-d":
			t.Direct = true
		case "--subscribe", "-s":
			if i+1 >= len(fields) {
				return t, errors.Errorf("%s requires a subscription", fields[i])
			}
			i++
			sub := strings.ToUpper(fields[i])
			if _, ok := subscriptions[sub]; !ok {
				return t, errors.Errorf("unknown subscription %q", fields[i])
			}
			t.Subscribe = sub
		default:
			return t, errors.Errorf("unknown connection option %q", fields[i])
		}
	}
	if t.Serial() {
		return t, nil
	}
	if _, _, err := net.SplitHostPort(t.Addr); err != nil {
		t.Addr = net.JoinHostPort(t.Addr, strconv.Itoa(defaultPort))
	}
	return t, nil
}
