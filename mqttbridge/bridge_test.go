package mqttbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/galilshutter/shutter"
)

type token struct {
	mqtt.Token
	err error
}

func (t token) Wait() bool { return true }
func (t token) Error() error { return t.err }

type message struct {
	mqtt.Message
	payload string
}

func (m message) Payload() []byte { return []byte(m.payload) }

type fakeClient struct {
	mqtt.Client
	sync.Mutex
	published    map[string]string
	handlers     map[string]mqtt.MessageHandler
	unsubscribed chan string
	publishErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		published:    make(map[string]string),
		handlers:     make(map[string]mqtt.MessageHandler),
		unsubscribed: make(chan string, 4),
	}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.Lock()
	defer c.Unlock()
	c.published[topic] = payload.(string)
	return token{err: c.publishErr}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.Lock()
	defer c.Unlock()
	c.handlers[topic] = callback
	return token{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	for _, t := range topics {
		c.unsubscribed <- t
	}
	return token{}
}

func (c *fakeClient) deliver(topic, payload string) {
	c.Lock()
	h := c.handlers[topic]
	c.Unlock()
	h(c, message{payload: payload})
}

type fakeDevice struct {
	snap    shutter.Snapshot
	handler func(shutter.Snapshot)
	calls   []string
	err     error
}

func (d *fakeDevice) Snapshot() shutter.Snapshot { return d.snap }
func (d *fakeDevice) OnUpdate(f func(shutter.Snapshot)) { d.handler = f }

func (d *fakeDevice) call(name string) error {
	d.calls = append(d.calls, name)
	return d.err
}

func (d *fakeDevice) Open() error { return d.call("open") }
func (d *fakeDevice) Close() error { return d.call("close") }
func (d *fakeDevice) StopMotor() error { return d.call("stop") }
func (d *fakeDevice) SoftCtrl() error { return d.call("soft_ctrl") }
func (d *fakeDevice) ExternalControl() error { return d.call("external_control") }

func TestPublishOnUpdate(t *testing.T) {
	c := newFakeClient()
	d := &fakeDevice{}
	b := NewBridge(c, d, "/beamline/", "shutter")
	assert.Equal(t, "beamline/shutter/state", b.StateTopic)
	require.NotNil(t, d.handler)

	d.handler(shutter.Snapshot{State: shutter.Insert, Position: 7005, External: true})
	assert.Equal(t, "INSERT", c.published["beamline/shutter/state"])
	assert.Equal(t, "7005", c.published["beamline/shutter/position"])
	assert.Equal(t, "true", c.published["beamline/shutter/external_control"])
}

func TestPublishCombinesErrors(t *testing.T) {
	c := newFakeClient()
	c.publishErr = errors.New("broker gone")
	b := NewBridge(c, &fakeDevice{}, "p", "s")
	err := b.Publish(shutter.Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p/s/state")
	assert.Contains(t, err.Error(), "p/s/external_control")
}

func TestSubscribeRunsCommands(t *testing.T) {
	c := newFakeClient()
	d := &fakeDevice{snap: shutter.Snapshot{State: shutter.Close, Position: 7500}}
	b := NewBridge(c, d, "p", "s")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Subscribe(ctx))
	assert.Equal(t, "CLOSE", c.published["p/s/state"], "current state is published on subscribe")

	for _, cmd := range []string{"open", "close", "stop", "soft_ctrl", "external_control", "dance"} {
		c.deliver("p/s/set", cmd)
	}
	assert.Equal(t, []string{"open", "close", "stop", "soft_ctrl", "external_control"}, d.calls)

	cancel()
	select {
	case topic := <-c.unsubscribed:
		assert.Equal(t, "p/s/set", topic)
	case <-time.After(time.Second):
		t.Fatal("command topic was not unsubscribed")
	}
}

func TestResubscribeUnsubscribesOnce(t *testing.T) {
	c := newFakeClient()
	b := NewBridge(c, &fakeDevice{}, "p", "s")
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Subscribe(ctx))
	}
	cancel()
	select {
	case <-c.unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("command topic was not unsubscribed")
	}
	select {
	case topic := <-c.unsubscribed:
		t.Fatalf("%s unsubscribed more than once", topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleReportsRefusal(t *testing.T) {
	d := &fakeDevice{err: errors.Wrap(shutter.ErrNotAllowed, "open")}
	b := NewBridge(newFakeClient(), d, "p", "s")
	err := b.Handle(" OPEN ")
	assert.True(t, errors.Is(err, shutter.ErrNotAllowed))
	assert.Error(t, b.Handle("levitate"))
}
