package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/beamline/galilshutter/galil"
	"github.com/beamline/galilshutter/shutter"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "galilshutter.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconf() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `galilshutter drives a beamline shutter through a single-axis Galil motion
controller and exposes it over HTTP, and optionally MQTT.

Usage:
	galilshutter <command>

Commands:
	run
	probe
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

const helpText = `galilshutter is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration file the defaults are used; "galilshutter mkconf" writes
them to galilshutter.yml for editing.

Controller.Host is an IP address or hostname, or a device path such as
/dev/ttyS0 or COM3 for RS232, in which case Controller.Serial must be true.

Shutter.OpenValue and Shutter.CloseValue are the encoder counts of the two end
positions.  Under software control a position within Shutter.ClosingTolerance
of OpenValue is OPEN and one within the tolerance of CloseValue is CLOSE.
Under external control either band reads INSERT.  A position outside both
bands leaves the state as it was.

With Mock: true a simulated controller replaces the hardware.

The shutter's routes are served under /<Endpoint>/; GET /endpoints lists them.
With MQTT.Enabled the state, position, and mode are published under
<MQTT.TopicPrefix>/<Endpoint>/ and commands are read from .../set.`

func help() {
	fmt.Println(helpText)
}

func mkconf() {
	c := loadconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("galilshutter version %v, galil link %s\n", Version, galil.LinkVersion)
}

// probe connects to the controller and prints what it reports, without
// touching the motor
func probe() {
	c := loadconf()
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " probing controller",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	link := NewLink(c)
	sc := c.ShutterConfig()
	s := shutter.New(link, sc)
	spinner.Message(s.Target())
	if err := link.Open(s.Target()); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	defer link.Close()
	pos, err := link.Command("TP")
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage("connected")
	spinner.Stop()

	if id, ok := link.(shutter.Identifier); ok {
		fmt.Println(id.Version())
		info, err := id.Info()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(info)
	}
	fmt.Println("position", pos)
}

func run() {
	c := loadconf()
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := setupLogging(c.LogLevel); err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := Serve(ctx, c); err != nil {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "probe":
		probe()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
