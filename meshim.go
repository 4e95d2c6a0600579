// Package meshim is a desktop instant-messenger core that bridges a
// Meshtastic-style mesh radio and an MQTT broker into one buddy-list
// session.
package meshim

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshim/chatlog"
	"github.com/opd-ai/meshim/config"
	"github.com/opd-ai/meshim/nodes"
	"github.com/opd-ai/meshim/session"
)

// Options contains configuration options for creating a Messenger.
type Options struct {
	// ConfigPath is the JSON configuration file. When empty the
	// platform default location is used.
	ConfigPath string

	// Config overrides file loading entirely. When set, ConfigPath is
	// ignored and the configuration is never watched for changes.
	Config *config.Config

	// LogDir is where per-conversation chat logs live. Empty means a
	// "chat_logs" directory next to the configuration file.
	LogDir string

	// RefreshInterval overrides the periodic node-list refresh. Zero
	// means the 60-second default.
	RefreshInterval time.Duration

	// WatchConfig reloads the configuration when the file changes on
	// disk. The new values apply to the next sign-on.
	WatchConfig bool
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		WatchConfig: true,
	}
}

// Callback signatures for the presentation layer. Every callback fires
// from the messenger's internal event goroutine; handlers must hand
// heavy work off rather than doing it inline.
type (
	ConversationOpenedCallback func(conversationID, displayName string)
	MessageCallback            func(conversationID, text, senderName string)
	NodeStatusCallback         func(node nodes.Node)
	NodeListCallback           func(list []nodes.Node)
	StatusCallback             func(text string, duration time.Duration)
	FatalErrorCallback         func(title, text string)
)

// Messenger is a dual-transport messaging session.
type Messenger struct {
	ctrl    *session.Controller
	watcher *config.Watcher

	cfgMu sync.RWMutex
	cfg   *config.Config

	cbMu                 sync.RWMutex
	conversationCallback ConversationOpenedCallback
	messageCallback      MessageCallback
	nodeStatusCallback   NodeStatusCallback
	nodeListCallback     NodeListCallback
	statusCallback       StatusCallback
	fatalErrorCallback   FatalErrorCallback
}

// New creates a Messenger from the given options.
func New(options *Options) (*Messenger, error) {
	if options == nil {
		options = NewOptions()
	}

	m := &Messenger{}

	cfg := options.Config
	path := options.ConfigPath
	if cfg == nil {
		if path == "" {
			path = config.DefaultPath()
		}
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
		cfg = loaded
	}
	m.cfg = cfg

	logDir := options.LogDir
	if logDir == "" {
		if path != "" {
			logDir = filepath.Join(filepath.Dir(path), "chat_logs")
		} else {
			logDir = "chat_logs"
		}
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chat log directory: %w", err)
	}

	m.ctrl = session.NewController(session.Params{
		Config:          cfg,
		UI:              (*uiBridge)(m),
		LogDir:          logDir,
		RefreshInterval: options.RefreshInterval,
	})

	if options.WatchConfig && options.Config == nil {
		w, err := config.Watch(path, m.reloadConfig)
		if err != nil {
			// A broken watch never blocks startup.
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"path":     path,
				"error":    err,
			}).Warn("Configuration watch unavailable")
		} else {
			m.watcher = w
		}
	}

	return m, nil
}

// reloadConfig folds freshly written file values into the live
// configuration. A signed-on session keeps its current transports; the
// new values take effect on the next sign-on.
func (m *Messenger) reloadConfig(cfg *config.Config) {
	m.cfgMu.Lock()
	*m.cfg = *cfg
	m.cfgMu.Unlock()
	m.ctrl.UpdateConfig(*cfg)

	logrus.WithFields(logrus.Fields{
		"function": "reloadConfig",
	}).Info("Configuration reloaded from disk")
	m.deliverStatus("Settings reloaded", 5*time.Second)
}

// OnConversationOpened registers the callback fired the first time a
// message arrives for a conversation with no open surface.
func (m *Messenger) OnConversationOpened(cb ConversationOpenedCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.conversationCallback = cb
}

// OnMessage registers the inbound message callback.
func (m *Messenger) OnMessage(cb MessageCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.messageCallback = cb
}

// OnNodeStatus registers the per-node update callback.
func (m *Messenger) OnNodeStatus(cb NodeStatusCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nodeStatusCallback = cb
}

// OnNodeList registers the full node-list replacement callback.
func (m *Messenger) OnNodeList(cb NodeListCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nodeListCallback = cb
}

// OnStatus registers the transient status-text callback. A zero
// duration means the text stays until replaced.
func (m *Messenger) OnStatus(cb StatusCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.statusCallback = cb
}

// OnFatalError registers the callback for connection failures that end
// the session.
func (m *Messenger) OnFatalError(cb FatalErrorCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.fatalErrorCallback = cb
}

// SetQuitHook registers a function invoked once Quit has torn the
// session down. The embedder terminates its main loop there.
func (m *Messenger) SetQuitHook(fn func()) {
	m.ctrl.SetQuitHook(fn)
}

// SignOn validates the credentials against the configuration and starts
// the configured transports. Connection outcomes are reported through
// the status and fatal-error callbacks.
func (m *Messenger) SignOn(creds session.Credentials) error {
	return m.ctrl.SignOn(creds)
}

// SignOff disconnects every transport and returns to the signed-off
// state, ready for another SignOn. Idempotent.
func (m *Messenger) SignOff() {
	m.ctrl.SignOff()
}

// Quit tears the session down for good. Idempotent.
func (m *Messenger) Quit() {
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.ctrl.Quit()
}

// SendMessage routes one outbound message to the transport implied by
// the conversation id. The error is recoverable; show it and keep the
// conversation open.
func (m *Messenger) SendMessage(conversationID, text string) error {
	return m.ctrl.SendMessage(conversationID, text)
}

// GetSnapshot returns the currently online mesh nodes in the order they
// were first heard.
func (m *Messenger) GetSnapshot() []nodes.Node {
	return m.ctrl.GetSnapshot()
}

// History reloads the persisted chat log of a conversation.
func (m *Messenger) History(conversationID string) []chatlog.Entry {
	return m.ctrl.History(conversationID)
}

// CloseConversation tells the messenger a conversation window went
// away, so the next inbound message re-opens it.
func (m *Messenger) CloseConversation(conversationID string) {
	m.ctrl.CloseConversation(conversationID)
}

// State returns the current session lifecycle state.
func (m *Messenger) State() session.State {
	return m.ctrl.State()
}

// SoundsEnabled reports the configured audio preference. The core never
// plays audio; the presentation layer consults this on callbacks.
func (m *Messenger) SoundsEnabled() bool {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.SoundsEnabled
}

// Config returns a copy of the live configuration.
func (m *Messenger) Config() config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return *m.cfg
}

// SaveConfig persists cfg and applies it to the next sign-on.
func (m *Messenger) SaveConfig(cfg config.Config, path string) error {
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.Save(path, &cfg); err != nil {
		return err
	}
	m.cfgMu.Lock()
	*m.cfg = cfg
	m.cfgMu.Unlock()
	m.ctrl.UpdateConfig(cfg)
	return nil
}

func (m *Messenger) deliverStatus(text string, d time.Duration) {
	m.cbMu.RLock()
	cb := m.statusCallback
	m.cbMu.RUnlock()
	if cb != nil {
		cb(text, d)
	}
}

// uiBridge adapts the callback registry to the session.UI interface
// without exporting those methods on Messenger itself.
type uiBridge Messenger

func (b *uiBridge) OpenConversation(conversationID, displayName string) {
	m := (*Messenger)(b)
	m.cbMu.RLock()
	cb := m.conversationCallback
	m.cbMu.RUnlock()
	if cb != nil {
		cb(conversationID, displayName)
	}
}

func (b *uiBridge) DeliverMessage(conversationID, text, senderName string) {
	m := (*Messenger)(b)
	m.cbMu.RLock()
	cb := m.messageCallback
	m.cbMu.RUnlock()
	if cb != nil {
		cb(conversationID, text, senderName)
	}
}

func (b *uiBridge) UpdateNodeStatus(node nodes.Node) {
	m := (*Messenger)(b)
	m.cbMu.RLock()
	cb := m.nodeStatusCallback
	m.cbMu.RUnlock()
	if cb != nil {
		cb(node)
	}
}

func (b *uiBridge) UpdateNodeList(list []nodes.Node) {
	m := (*Messenger)(b)
	m.cbMu.RLock()
	cb := m.nodeListCallback
	m.cbMu.RUnlock()
	if cb != nil {
		cb(list)
	}
}

func (b *uiBridge) ShowStatus(text string, duration time.Duration) {
	(*Messenger)(b).deliverStatus(text, duration)
}

func (b *uiBridge) ShowFatalError(title, text string) {
	m := (*Messenger)(b)
	m.cbMu.RLock()
	cb := m.fatalErrorCallback
	m.cbMu.RUnlock()
	if cb != nil {
		cb(title, text)
	}
}
