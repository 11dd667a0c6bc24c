package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/beamline/galilshutter/comm"
	"github.com/beamline/galilshutter/galil"
	"github.com/beamline/galilshutter/generichttp"
	"github.com/beamline/galilshutter/mqttbridge"
	"github.com/beamline/galilshutter/server/middleware/locker"
	"github.com/beamline/galilshutter/shutter"
)

// ControllerSetup is the location of the Galil controller
type ControllerSetup struct {
	// Host is the network address of the controller, or a device path
	// such as /dev/ttyS0 for RS232
	Host string `koanf:"Host" yaml:"Host"`

	// Port is the TCP port, ignored for RS232
	Port int `koanf:"Port" yaml:"Port"`

	// Serial must be true if Host is a device path
	Serial bool `koanf:"Serial" yaml:"Serial"`

	// Timeout bounds connecting and every read and write
	Timeout time.Duration `koanf:"Timeout" yaml:"Timeout"`
}

// ShutterSetup holds the setpoints of the shutter
type ShutterSetup struct {
	OpenValue        int `koanf:"OpenValue" yaml:"OpenValue"`
	CloseValue       int `koanf:"CloseValue" yaml:"CloseValue"`
	ClosingTolerance int `koanf:"ClosingTolerance" yaml:"ClosingTolerance"`
	Offset           int `koanf:"Offset" yaml:"Offset"`

	// SettleDelay is the pause between dropping and reopening the link
	SettleDelay time.Duration `koanf:"SettleDelay" yaml:"SettleDelay"`
}

// Config is the whole configuration of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Endpoint is the URL the shutter's routes are served under,
	// "shutter" produces /shutter/open and so on
	Endpoint string `koanf:"Endpoint" yaml:"Endpoint"`

	// Mock replaces the controller with a simulation
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// LogLevel is one of trace, debug, info, warn, error
	LogLevel string `koanf:"LogLevel" yaml:"LogLevel"`

	Controller ControllerSetup   `koanf:"Controller" yaml:"Controller"`
	Shutter    ShutterSetup      `koanf:"Shutter" yaml:"Shutter"`
	MQTT       mqttbridge.Config `koanf:"MQTT" yaml:"MQTT"`
}

// DefaultConfig is the configuration used for keys missing from the file
func DefaultConfig() Config {
	sc := shutter.DefaultConfig()
	return Config{
		Addr:     ":8000",
		Endpoint: "shutter",
		LogLevel: "info",
		Controller: ControllerSetup{
			Host:    sc.Host,
			Port:    sc.Port,
			Timeout: comm.DefaultTimeout,
		},
		Shutter: ShutterSetup{
			OpenValue:        sc.OpenValue,
			CloseValue:       sc.CloseValue,
			ClosingTolerance: sc.ClosingTolerance,
			Offset:           sc.Offset,
			SettleDelay:      sc.SettleDelay,
		},
		MQTT: mqttbridge.DefaultConfig(),
	}
}

// Validate checks the ranges of the settings
func (c Config) Validate() error {
	var err error
	if c.Controller.Host == "" {
		err = multierr.Append(err, errors.New("Controller.Host is empty"))
	}
	if dev := galil.IsDevicePath(c.Controller.Host); c.Controller.Serial != dev {
		kind := "a network address"
		if dev {
			kind = "a device path"
		}
		err = multierr.Append(err, errors.Errorf("Controller.Serial is %v but Host %q is %s",
			c.Controller.Serial, c.Controller.Host, kind))
	}
	if t := c.Shutter.ClosingTolerance; t < 0 || t > 500 {
		err = multierr.Append(err, errors.Errorf("Shutter.ClosingTolerance %d is outside [0, 500]", t))
	}
	if o := c.Shutter.Offset; o < 0 || o > 3999 {
		err = multierr.Append(err, errors.Errorf("Shutter.Offset %d is outside [0, 3999]", o))
	}
	if _, perr := shutter.ExternalProgram(c.Shutter.OpenValue, c.Shutter.CloseValue); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := logrus.ParseLevel(c.LogLevel); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		err = multierr.Append(err, errors.New("MQTT is enabled but MQTT.Broker is empty"))
	}
	return err
}

// ShutterConfig converts the file layout to a shutter.Config
func (c Config) ShutterConfig() shutter.Config {
	return shutter.Config{
		Name:             strings.Trim(c.Endpoint, "/"),
		OpenValue:        c.Shutter.OpenValue,
		CloseValue:       c.Shutter.CloseValue,
		ClosingTolerance: c.Shutter.ClosingTolerance,
		Offset:           c.Shutter.Offset,
		Host:             c.Controller.Host,
		Port:             c.Controller.Port,
		SettleDelay:      c.Shutter.SettleDelay,
	}
}

// NewLink returns the simulated controller if c.Mock, else a real one
func NewLink(c Config) shutter.Link {
	if c.Mock {
		return galil.NewMock(c.Shutter.CloseValue)
	}
	return galil.NewController(c.Controller.Port, c.Controller.Timeout)
}

// setupLogging sets the level and format of the standard logger
func setupLogging(level string) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}

// BuildMux mounts the shutter's routes, its lock, and the route graph on a
// new router.  The root serves /endpoints, which returns the graph as JSON.
func BuildMux(c Config, s *shutter.Shutter) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	httper := shutter.NewHTTPWrapper(s)
	lock := locker.New()
	locker.Inject(httper, lock)

	hndlS := generichttp.SubMuxSanitize(c.Endpoint)
	supergraph[hndlS] = httper.RT().Endpoints()

	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(hndlS, r)

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// Serve initializes the shutter and serves HTTP, and MQTT if enabled, until
// ctx is done
func Serve(ctx context.Context, c Config) error {
	s := shutter.New(NewLink(c), c.ShutterConfig())
	if err := s.Init(); err != nil {
		logrus.WithError(err).Warn("controller unavailable, the first request will reconnect")
	}

	g, ctx := errgroup.WithContext(ctx)

	var client mqtt.Client
	if c.MQTT.Enabled {
		var bridge *mqttbridge.Bridge
		client = mqttbridge.NewClient(c.MQTT, func(mqtt.Client) {
			// subscriptions do not survive a reconnect
			if err := bridge.Subscribe(ctx); err != nil {
				logrus.WithError(err).Error("MQTT subscribe failed")
			}
		})
		bridge = mqttbridge.NewBridge(client, s, c.MQTT.TopicPrefix, strings.Trim(c.Endpoint, "/"))
		if err := mqttbridge.Connect(client); err != nil {
			return multierr.Append(err, s.Shutdown())
		}
	}

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(c, s)}
	g.Go(func() error {
		logrus.WithField("addr", c.Addr).Info("now listening for requests")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	if client != nil {
		client.Disconnect(250)
	}
	return multierr.Append(err, s.Shutdown())
}
