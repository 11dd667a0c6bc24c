// Package mqttbridge publishes shutter state to an MQTT broker and accepts
// commands from it
package mqttbridge

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/beamline/galilshutter/shutter"
)

const (
	openCmd            = "open"
	closeCmd           = "close"
	stopCmd            = "stop"
	softCtrlCmd        = "soft_ctrl"
	externalControlCmd = "external_control"
)

// Config is the broker connection and topic layout
type Config struct {
	// Enabled turns the bridge on
	Enabled bool `koanf:"Enabled" yaml:"Enabled"`

	// Broker is the broker URL, e.g. tcp://localhost:1883
	Broker string `koanf:"Broker" yaml:"Broker"`

	ClientID string `koanf:"ClientID" yaml:"ClientID"`
	Username string `koanf:"Username" yaml:"Username"`
	Password string `koanf:"Password" yaml:"Password"`

	// TopicPrefix is prepended to every topic
	TopicPrefix string `koanf:"TopicPrefix" yaml:"TopicPrefix"`
}

// DefaultConfig is a disabled bridge to a local broker
func DefaultConfig() Config {
	return Config{
		Broker:      "tcp://localhost:1883",
		ClientID:    "galilshutter",
		TopicPrefix: "galilshutter",
	}
}

// NewClient makes a new client from cfg.  onConnect is called after every
// connection, including reconnects after a lost connection.
func NewClient(cfg Config, onConnect mqtt.OnConnectHandler) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		logrus.WithField("broker", cfg.Broker).Info("MQTT broker connected")
		if onConnect != nil {
			onConnect(c)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logrus.WithField("broker", cfg.Broker).WithError(err).Error("MQTT broker connection lost")
	}
	return mqtt.NewClient(opts)
}

// Connect connects c and waits for the connection to complete
func Connect(c mqtt.Client) error {
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "connecting to MQTT broker")
	}
	return nil
}

// Device is the part of a shutter the bridge drives
type Device interface {
	Snapshot() shutter.Snapshot
	OnUpdate(func(shutter.Snapshot))
	Open() error
	Close() error
	StopMotor() error
	SoftCtrl() error
	ExternalControl() error
}

// Bridge connects one shutter to MQTT topics
type Bridge struct {
	mqtt  mqtt.Client
	dev   Device
	log   *logrus.Entry
	unsub sync.Once

	StateTopic    string
	PositionTopic string
	ExternalTopic string
	CommandTopic  string
}

// NewBridge returns a bridge that publishes every update of dev under
// <prefix>/<name>/
func NewBridge(client mqtt.Client, dev Device, prefix, name string) *Bridge {
	stem := strings.Trim(prefix, "/") + "/" + name
	b := &Bridge{
		mqtt:          client,
		dev:           dev,
		log:           logrus.WithFields(logrus.Fields{"device": name, "bridge": "mqtt"}),
		StateTopic:    stem + "/state",
		PositionTopic: stem + "/position",
		ExternalTopic: stem + "/external_control",
		CommandTopic:  stem + "/set",
	}
	dev.OnUpdate(func(snap shutter.Snapshot) {
		if err := b.Publish(snap); err != nil {
			b.log.WithError(err).Error("MQTT publish failed")
		}
	})
	return b
}

func (b *Bridge) publish(topic, payload string) error {
	if token := b.mqtt.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing %s", topic)
	}
	return nil
}

// Publish sends the retained state, position, and mode of snap
func (b *Bridge) Publish(snap shutter.Snapshot) error {
	return multierr.Combine(
		b.publish(b.StateTopic, snap.State.String()),
		b.publish(b.PositionTopic, strconv.Itoa(snap.Position)),
		b.publish(b.ExternalTopic, strconv.FormatBool(snap.External)),
	)
}

// Subscribe listens on the command topic until ctx is done and publishes
// the current state.  It is called again after every reconnect; only the
// first call's ctx decides when to unsubscribe.
func (b *Bridge) Subscribe(ctx context.Context) error {
	if token := b.mqtt.Subscribe(b.CommandTopic, 0, b.onCommand); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "subscribing to %s", b.CommandTopic)
	}
	b.log.WithField("topic", b.CommandTopic).Info("MQTT command topic subscribed")
	b.unsub.Do(func() {
		go func() {
			<-ctx.Done()
			if token := b.mqtt.Unsubscribe(b.CommandTopic); token.Wait() && token.Error() != nil {
				b.log.WithError(token.Error()).Error("MQTT unsubscribe failed")
			}
		}()
	})
	return b.Publish(b.dev.Snapshot())
}

// Handle runs a command received on the command topic
func (b *Bridge) Handle(cmd string) error {
	var op func() error
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case openCmd:
		op = b.dev.Open
	case closeCmd:
		op = b.dev.Close
	case stopCmd:
		op = b.dev.StopMotor
	case softCtrlCmd:
		op = b.dev.SoftCtrl
	case externalControlCmd:
		op = b.dev.ExternalControl
	default:
		return errors.Errorf("unsupported command %q", cmd)
	}
	return op()
}

func (b *Bridge) onCommand(_ mqtt.Client, msg mqtt.Message) {
	cmd := string(msg.Payload())
	log := b.log.WithField("cmd", cmd)
	if err := b.Handle(cmd); err != nil {
		if errors.Is(err, shutter.ErrNotAllowed) {
			log.WithError(err).Warn("MQTT command refused")
			return
		}
		log.WithError(err).Error("MQTT command failed")
		return
	}
	log.Info("MQTT command executed")
}
