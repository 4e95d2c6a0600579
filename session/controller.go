package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshim/chatlog"
	"github.com/opd-ai/meshim/config"
	"github.com/opd-ai/meshim/nodes"
	"github.com/opd-ai/meshim/routing"
	"github.com/opd-ai/meshim/transport"
)

// State is the session lifecycle.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	SigningOff
	Quitting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case SigningOff:
		return "signing_off"
	case Quitting:
		return "quitting"
	default:
		return "unknown"
	}
}

// UI is the presentation collaborator. Every call arrives from the
// controller's serialized context and must be non-blocking and
// side-effect-light; a slow consumer stalls nothing as long as it hands
// work off instead of doing it inline.
type UI interface {
	OpenConversation(conversationID, displayName string)
	DeliverMessage(conversationID, text, senderName string)
	UpdateNodeStatus(node nodes.Node)
	UpdateNodeList(list []nodes.Node)
	ShowStatus(text string, duration time.Duration)
	ShowFatalError(title, text string)
}

// AudioPolicy carries the sound preference as an explicit value instead of
// a process-wide flag. The core never plays audio itself; the presentation
// layer consults this when a message or presence callback fires.
type AudioPolicy struct {
	Enabled bool
}

// Credentials are the runtime sign-on inputs. The password is never
// persisted; it rides along only for the MQTT connection.
type Credentials struct {
	ScreenName string
	Password   string
	AutoLogin  bool
}

// MeshAdapter extends the shared adapter capability with the node-fetch
// operation only the mesh transport has.
type MeshAdapter interface {
	transport.Adapter
	FetchNodes() error
}

const (
	defaultRefreshInterval = 60 * time.Second
	eventQueueSize         = 256
	statusDuration         = 5 * time.Second
)

// Params configures a Controller. The controller copies the configuration
// at construction; later changes are applied with UpdateConfig.
type Params struct {
	Config *config.Config
	UI     UI

	// LogDir is where per-conversation chat logs live when enabled.
	LogDir string

	// RefreshInterval overrides the periodic node-list refresh. Zero
	// means the 60s default.
	RefreshInterval time.Duration
}

// Controller owns the session state machine and the transports.
type Controller struct {
	ui              UI
	logDir          string
	refreshInterval time.Duration

	events   chan transport.Event
	done     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	cfg         config.Config
	state       State
	creds       Credentials
	mesh        MeshAdapter
	mqtt        transport.Adapter
	update      transport.Adapter
	registry    *nodes.Registry
	router      *routing.Router
	errorShown  bool
	refreshStop chan struct{}

	// Adapter factories, injectable for tests.
	newMesh   func(transport.MeshConfig, transport.EventSink) MeshAdapter
	newMQTT   func(transport.MQTTConfig, transport.EventSink) transport.Adapter
	newUpdate func(transport.UpdateCredentials, transport.EventSink) (transport.Adapter, error)

	// onQuit runs after Quit finishes tearing everything down.
	onQuit func()
}

// NewController creates the controller and starts its event loop.
func NewController(p Params) *Controller {
	interval := p.RefreshInterval
	if interval == 0 {
		interval = defaultRefreshInterval
	}
	c := &Controller{
		cfg:             *p.Config,
		ui:              p.UI,
		logDir:          p.LogDir,
		refreshInterval: interval,
		events:          make(chan transport.Event, eventQueueSize),
		done:            make(chan struct{}),
		state:           Disconnected,
		newMesh: func(cfg transport.MeshConfig, sink transport.EventSink) MeshAdapter {
			return transport.NewMeshTransport(cfg, sink)
		},
		newMQTT: func(cfg transport.MQTTConfig, sink transport.EventSink) transport.Adapter {
			return transport.NewMQTTTransport(cfg, sink)
		},
		newUpdate: func(creds transport.UpdateCredentials, sink transport.EventSink) (transport.Adapter, error) {
			return transport.NewUpdateTransport(creds, sink)
		},
	}
	go c.run()
	return c
}

// SetQuitHook registers a function invoked once Quit has torn the session
// down. The embedder terminates the process there.
func (c *Controller) SetQuitHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onQuit = fn
}

// State returns a snapshot of the session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UpdateConfig replaces the controller's configuration copy. A signed-on
// session keeps its current transports; the new values apply to the next
// sign-on.
func (c *Controller) UpdateConfig(cfg config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Audio returns the sound policy derived from configuration.
func (c *Controller) Audio() AudioPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return AudioPolicy{Enabled: c.cfg.SoundsEnabled}
}

// sink delivers adapter events into the controller's queue. Blocks only
// when the queue is full and the controller is still running.
func (c *Controller) sink(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// run drains the event queue on a single goroutine: the single-writer
// discipline every state transition relies on.
func (c *Controller) run() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// SignOn validates the credentials against the configuration and, only
// when everything checks out, launches the configured transports. The
// connection outcomes arrive asynchronously as events.
func (c *Controller) SignOn(creds Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Disconnected {
		if c.state == Connecting {
			return ErrSignOnInProgress
		}
		return fmt.Errorf("cannot sign on while %s", c.state)
	}

	if err := c.validate(creds); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SignOn",
			"error":    err,
		}).Warn("Sign-on rejected")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "SignOn",
		"screen_name": creds.ScreenName,
		"mesh_kind":   c.cfg.MeshConnType,
		"mqtt_server": c.cfg.Server,
	}).Info("Signing on")

	c.creds = creds
	c.errorShown = false
	c.state = Connecting

	c.registry = nodes.NewRegistry(creds.ScreenName, routing.PublicConversationID)

	logger := chatlog.New(c.logDir, c.cfg.AutoSaveChats)

	meshKind := transport.ParseMeshKind(c.cfg.MeshConnType)
	if meshKind != transport.MeshNone {
		c.mesh = c.newMesh(transport.MeshConfig{
			Kind:   meshKind,
			Detail: c.cfg.MeshDetails,
		}, c.sink)
	}

	if c.cfg.Server != "" {
		c.mqtt = c.newMQTT(transport.MQTTConfig{
			Server:   c.cfg.Server,
			Port:     c.cfg.Port,
			Username: c.cfg.Username,
			Password: creds.Password,
			ClientID: "meshim-" + creds.ScreenName,
			Topic:    creds.ScreenName,
			QoS:      1,
			Kind:     transport.KindMQTT,
		}, c.sink)
	}

	if c.cfg.UpdateCertFile != "" && c.cfg.UpdateKeyFile != "" && c.cfg.UpdateCAFile != "" {
		up, err := c.newUpdate(transport.UpdateCredentials{
			CertFile: c.cfg.UpdateCertFile,
			KeyFile:  c.cfg.UpdateKeyFile,
			CAFile:   c.cfg.UpdateCAFile,
		}, c.sink)
		if err != nil {
			// The update channel is best-effort; never blocks sign-on.
			logrus.WithFields(logrus.Fields{
				"function": "SignOn",
				"error":    err,
			}).Warn("Update client unavailable")
		} else {
			c.update = up
		}
	}

	var meshSender, mqttSender routing.Sender
	if c.mesh != nil {
		meshSender = c.mesh
	}
	if c.mqtt != nil {
		mqttSender = c.mqtt
	}
	c.router = routing.New(c.ui, meshSender, mqttSender, logger, creds.ScreenName, c.cfg.MeshChannelIndex)

	// Connect calls are non-blocking; each adapter reports back through
	// the event queue.
	if c.mesh != nil {
		if err := c.mesh.Connect(); err != nil {
			logrus.WithFields(logrus.Fields{"function": "SignOn", "error": err}).Error("Mesh connect refused")
		}
	}
	if c.mqtt != nil {
		if err := c.mqtt.Connect(); err != nil {
			logrus.WithFields(logrus.Fields{"function": "SignOn", "error": err}).Error("MQTT connect refused")
		}
	}
	if c.update != nil {
		if err := c.update.Connect(); err != nil {
			logrus.WithFields(logrus.Fields{"function": "SignOn", "error": err}).Warn("Update connect refused")
		}
	}

	c.ui.ShowStatus("Connecting...", 0)
	return nil
}

// validate checks the sign-on requirements in the order the login flow
// reports them. Caller holds the lock.
func (c *Controller) validate(creds Credentials) error {
	if creds.ScreenName == "" {
		return &ValidationError{Reason: "screen name cannot be empty"}
	}
	if c.cfg.ScreenName != "" && c.cfg.ScreenName != creds.ScreenName {
		return &ValidationError{Reason: fmt.Sprintf(
			"configured screen name is %q, cannot sign on as %q", c.cfg.ScreenName, creds.ScreenName)}
	}

	meshKind := transport.ParseMeshKind(c.cfg.MeshConnType)
	if meshKind != transport.MeshNone && c.cfg.MeshDetails == "" {
		return &ValidationError{Reason: "mesh connection details missing"}
	}

	if c.cfg.Server != "" && c.cfg.Username != "" && creds.Password == "" {
		return &ValidationError{Reason: fmt.Sprintf(
			"password required for MQTT user %q", c.cfg.Username)}
	}

	if meshKind == transport.MeshNone && c.cfg.Server == "" {
		return &ValidationError{Reason: "no mesh or MQTT connection configured"}
	}
	return nil
}

// SignOff disconnects every active transport and returns the session to
// Disconnected, ready for a new sign-on. Idempotent: repeated calls after
// the first are no-ops.
func (c *Controller) SignOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signOffLocked()
}

// signOffLocked is the single disconnect sequence. Caller holds the lock.
func (c *Controller) signOffLocked() {
	if c.state == Disconnected || c.state == SigningOff || c.state == Quitting {
		logrus.WithFields(logrus.Fields{
			"function": "signOffLocked",
			"state":    c.state.String(),
		}).Debug("Sign-off already handled")
		return
	}
	c.state = SigningOff
	logrus.WithFields(logrus.Fields{"function": "signOffLocked"}).Info("Signing off")

	c.disconnectAllLocked()

	c.state = Disconnected
	c.ui.ShowStatus("Signed off", statusDuration)
}

// disconnectAllLocked tears the transports down, mesh first, then the user
// MQTT client, then the update client. Adapter disconnects are idempotent;
// clearing the references here is what guarantees exactly one disconnect
// sequence per transport per session.
func (c *Controller) disconnectAllLocked() {
	c.stopRefreshLocked()

	if c.mesh != nil {
		if err := c.mesh.Disconnect(); err != nil {
			logrus.WithFields(logrus.Fields{"function": "disconnectAllLocked", "error": err}).Warn("Mesh disconnect error")
		}
		c.mesh = nil
	}
	if c.mqtt != nil {
		if err := c.mqtt.Disconnect(); err != nil {
			logrus.WithFields(logrus.Fields{"function": "disconnectAllLocked", "error": err}).Warn("MQTT disconnect error")
		}
		c.mqtt = nil
	}
	if c.update != nil {
		if err := c.update.Disconnect(); err != nil {
			logrus.WithFields(logrus.Fields{"function": "disconnectAllLocked", "error": err}).Warn("Update disconnect error")
		}
		c.update = nil
	}
	c.router = nil
}

// Quit tears the session down for good and stops the event loop.
// Idempotent.
func (c *Controller) Quit() {
	c.mu.Lock()
	if c.state == Quitting {
		c.mu.Unlock()
		return
	}
	logrus.WithFields(logrus.Fields{"function": "Quit"}).Info("Quitting")
	c.state = Quitting
	c.disconnectAllLocked()
	onQuit := c.onQuit
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.done) })
	if onQuit != nil {
		onQuit()
	}
}

// SendMessage routes one outbound message. Failures are recoverable: the
// caller shows the error as status text and the conversation stays open.
func (c *Controller) SendMessage(conversationID, text string) error {
	c.mu.Lock()
	router := c.router
	c.mu.Unlock()

	if router == nil {
		return ErrNotSignedOn
	}
	return router.Outbound(conversationID, text)
}

// GetSnapshot returns the display view of the node table: stale entries
// pruned, insertion order preserved.
func (c *Controller) GetSnapshot() []nodes.Node {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()

	if registry == nil {
		return nil
	}
	return registry.ActiveSnapshot(time.Now())
}

// History reloads the persisted chat log of a conversation.
func (c *Controller) History(conversationID string) []chatlog.Entry {
	c.mu.Lock()
	router := c.router
	c.mu.Unlock()

	if router == nil {
		return nil
	}
	return router.History(conversationID)
}

// CloseConversation tells the router a conversation surface went away.
func (c *Controller) CloseConversation(conversationID string) {
	c.mu.Lock()
	router := c.router
	c.mu.Unlock()

	if router != nil {
		router.CloseConversation(conversationID)
	}
}
