package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToken is an immediately-resolved paho token.
type fakeToken struct {
	err error
}

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

// fakeMQTTClient implements the subset of mqtt.Client the adapter touches.
type fakeMQTTClient struct {
	mqtt.Client

	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connectErr   error
	subscribeErr error
	subHandler   mqtt.MessageHandler
	subTopic     string
	subQos       byte
	published    []fakePublish
	disconnected bool
}

type fakePublish struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

func (f *fakeMQTTClient) Connect() mqtt.Token {
	if f.connectErr != nil {
		return &fakeToken{err: f.connectErr}
	}
	if f.opts.OnConnect != nil {
		go f.opts.OnConnect(f)
	}
	return &fakeToken{}
}

func (f *fakeMQTTClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return &fakeToken{err: f.subscribeErr}
	}
	f.subTopic = topic
	f.subQos = qos
	f.subHandler = cb
	return &fakeToken{}
}

func (f *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakePublish{
		topic:    topic,
		qos:      qos,
		retained: retained,
		payload:  string(payload.([]byte)),
	})
	return &fakeToken{}
}

func (f *fakeMQTTClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeMQTTClient) IsConnected() bool { return true }

func (f *fakeMQTTClient) deliver(topic, payload string) {
	f.mu.Lock()
	handler := f.subHandler
	f.mu.Unlock()
	if handler != nil {
		handler(f, &fakeMessage{topic: topic, payload: payload})
	}
}

type fakeMessage struct {
	topic   string
	payload string
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m *fakeMessage) Ack()              {}

// newFakeMQTT wires a transport to a fake client and returns both plus the
// event channel.
func newFakeMQTT(t *testing.T, cfg MQTTConfig) (*MQTTTransport, *fakeMQTTClient, chan Event) {
	t.Helper()

	events := make(chan Event, 16)
	fake := &fakeMQTTClient{}
	mt := NewMQTTTransport(cfg, func(ev Event) { events <- ev })
	mt.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		fake.opts = opts
		return fake
	}
	return mt, fake, events
}

func userConfig() MQTTConfig {
	return MQTTConfig{
		Server:   "broker.example.net",
		Port:     1883,
		Username: "alice",
		Password: "hunter2",
		ClientID: "meshim-alice",
		Topic:    "alice",
		QoS:      1,
		Kind:     KindMQTT,
	}
}

func TestMQTTConnectSubscribesAndEstablishes(t *testing.T) {
	mt, fake, events := newFakeMQTT(t, userConfig())

	require.NoError(t, mt.Connect())

	ev := waitEvent(t, events)
	assert.Equal(t, EventEstablished, ev.Type)
	assert.Equal(t, KindMQTT, ev.Transport)
	assert.True(t, mt.Connected())

	fake.mu.Lock()
	assert.Equal(t, "alice", fake.subTopic, "subscribes to the operator's own topic")
	assert.Equal(t, byte(1), fake.subQos)
	fake.mu.Unlock()
}

func TestMQTTSubscribeFailureIsConnectionFailure(t *testing.T) {
	mt, fake, events := newFakeMQTT(t, userConfig())
	fake.subscribeErr = errors.New("not authorized")

	require.NoError(t, mt.Connect())

	ev := waitEvent(t, events)
	assert.Equal(t, EventLost, ev.Type)
	assert.Contains(t, ev.Reason, "subscription failed")
	assert.Contains(t, ev.Reason, "not authorized")
	assert.False(t, mt.Connected())

	fake.mu.Lock()
	assert.True(t, fake.disconnected, "socket is torn down after failed subscribe")
	fake.mu.Unlock()
}

func TestMQTTConnectFailure(t *testing.T) {
	mt, fake, events := newFakeMQTT(t, userConfig())
	fake.connectErr = errors.New("connection refused")

	require.NoError(t, mt.Connect())

	ev := waitEvent(t, events)
	assert.Equal(t, EventLost, ev.Type)
	assert.Contains(t, ev.Reason, "connection failed")
}

func TestMQTTInboundMessageNormalization(t *testing.T) {
	mt, fake, events := newFakeMQTT(t, userConfig())
	require.NoError(t, mt.Connect())
	require.Equal(t, EventEstablished, waitEvent(t, events).Type)

	fake.deliver("alice", "hi alice")

	ev := waitEvent(t, events)
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "alice", ev.Sender)
	assert.Equal(t, "hi alice", ev.Text)
	assert.Equal(t, MessageDirect, ev.MsgKind)
}

func TestMQTTSendPublishesQoS1NoRetain(t *testing.T) {
	mt, fake, events := newFakeMQTT(t, userConfig())
	require.NoError(t, mt.Connect())
	require.Equal(t, EventEstablished, waitEvent(t, events).Type)

	require.NoError(t, mt.Send("bob", "hey bob", 0))

	fake.mu.Lock()
	require.Len(t, fake.published, 1)
	assert.Equal(t, "bob", fake.published[0].topic)
	assert.Equal(t, byte(1), fake.published[0].qos)
	assert.False(t, fake.published[0].retained)
	assert.Equal(t, "hey bob", fake.published[0].payload)
	fake.mu.Unlock()
}

func TestMQTTSendRequiresConnection(t *testing.T) {
	mt, _, _ := newFakeMQTT(t, userConfig())
	err := mt.Send("bob", "hi", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMQTTReceiveOnlyRejectsSend(t *testing.T) {
	cfg := userConfig()
	cfg.Kind = KindUpdate
	cfg.ReceiveOnly = true
	mt, _, events := newFakeMQTT(t, cfg)
	require.NoError(t, mt.Connect())
	require.Equal(t, EventEstablished, waitEvent(t, events).Type)

	assert.ErrorIs(t, mt.Send("anywhere", "nope", 0), ErrReceiveOnly)
}

func TestMQTTDisconnectClearsCallbacks(t *testing.T) {
	mt, fake, events := newFakeMQTT(t, userConfig())
	require.NoError(t, mt.Connect())
	require.Equal(t, EventEstablished, waitEvent(t, events).Type)

	require.NoError(t, mt.Disconnect())
	require.NoError(t, mt.Disconnect(), "disconnect is idempotent")

	fake.mu.Lock()
	assert.True(t, fake.disconnected)
	fake.mu.Unlock()

	// A message racing the teardown belongs to a superseded generation.
	fake.deliver("alice", "too late")
	assertNoEvent(t, events)

	// So does a late connection-lost callback.
	fake.opts.OnConnectionLost(fake, errors.New("late"))
	assertNoEvent(t, events)
}

func TestMQTTConnectValidation(t *testing.T) {
	mt, _, _ := newFakeMQTT(t, MQTTConfig{Topic: "x", Kind: KindMQTT})
	assert.ErrorIs(t, mt.Connect(), ErrNotConfigured)

	cfg := userConfig()
	cfg.Topic = ""
	mt, _, _ = newFakeMQTT(t, cfg)
	err := mt.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no topic configured")
}

func TestMQTTUnexpectedDisconnectReported(t *testing.T) {
	mt, fake, events := newFakeMQTT(t, userConfig())
	require.NoError(t, mt.Connect())
	require.Equal(t, EventEstablished, waitEvent(t, events).Type)

	fake.opts.OnConnectionLost(fake, errors.New("broker went away"))

	ev := waitEvent(t, events)
	assert.Equal(t, EventLost, ev.Type)
	assert.Contains(t, ev.Reason, "unexpected disconnection")
	assert.False(t, mt.Connected())
}
