// Package routing maps messages to conversations.
//
// Every message belongs to exactly one conversation identity: a mesh node
// id, an MQTT topic, or the public broadcast channel. The router decides
// which transport carries an outbound message purely from the shape of that
// identity, and collapses inbound events from both transports onto the same
// conversation space.
package routing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshim/chatlog"
	"github.com/opd-ai/meshim/transport"
)

// PublicConversationID is the reserved identity of the mesh broadcast
// channel. Every mesh broadcast lands here regardless of sender.
const PublicConversationID = "^all"

// PublicConversationName is what the contact list shows for it.
const PublicConversationName = "Public Chat"

// Presenter is the slice of the presentation collaborator the router
// needs: making sure a conversation surface exists and handing it messages.
// Both calls arrive on the controller's serialized context and must not
// block.
type Presenter interface {
	OpenConversation(conversationID, displayName string)
	DeliverMessage(conversationID, text, senderName string)
}

// Sender is the slice of a transport adapter the router needs for
// outbound dispatch.
type Sender interface {
	Send(destination, text string, channel int) error
	Connected() bool
}

// Message is one routed chat message, immutable once constructed.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Text        string
	Timestamp   time.Time
	Transport   transport.Kind
	Kind        transport.MessageKind
}

// Router owns conversation routing state. It is driven from the session
// controller's single-writer context; the mutex covers the facade's
// SendMessage entry point, which may arrive from any goroutine.
type Router struct {
	mu             sync.Mutex
	presenter      Presenter
	mesh           Sender
	mqtt           Sender
	log            *chatlog.Logger
	screenName     string
	defaultChannel int
	open           map[string]struct{}
	now            func() time.Time
}

// New creates a router. Either sender may be nil when that transport is
// not configured; routing to a nil transport reports a send failure.
func New(presenter Presenter, mesh, mqtt Sender, log *chatlog.Logger, screenName string, defaultChannel int) *Router {
	return &Router{
		presenter:      presenter,
		mesh:           mesh,
		mqtt:           mqtt,
		log:            log,
		screenName:     screenName,
		defaultChannel: defaultChannel,
		open:           make(map[string]struct{}),
		now:            time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// ConversationFor computes the conversation identity of an inbound message.
// Mesh broadcasts collapse onto the public channel; everything else keys on
// the sender.
func ConversationFor(senderID string, tr transport.Kind, kind transport.MessageKind) string {
	if tr == transport.KindMesh && kind == transport.MessageBroadcast {
		return PublicConversationID
	}
	return senderID
}

// Inbound routes one received message to its conversation, opening the
// surface first if none exists. displayName may be empty; the sender id is
// the fallback.
func (r *Router) Inbound(senderID, displayName, text string, tr transport.Kind, kind transport.MessageKind) Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	conversationID := ConversationFor(senderID, tr, kind)
	name := displayName
	if name == "" {
		name = senderID
	}

	msg := Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: conversationID,
		Text:        text,
		Timestamp:   r.now(),
		Transport:   tr,
		Kind:        kind,
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Inbound",
		"message_id":   msg.ID,
		"sender":       senderID,
		"conversation": conversationID,
		"transport":    tr.String(),
		"kind":         kind.String(),
	}).Debug("Routing inbound message")

	r.ensureOpen(conversationID, name)
	r.presenter.DeliverMessage(conversationID, text, name)
	r.log.Append(conversationID, name, text, msg.Timestamp)
	return msg
}

// Outbound dispatches one message from the presentation layer. The
// transport is chosen by identity shape: the public sentinel always goes to
// the mesh on channel 0, mesh node ids go to the mesh on the configured
// default channel, anything else is published to MQTT with the conversation
// id as the topic. A disconnected transport is a recoverable error the
// caller surfaces as status text.
func (r *Router) Outbound(conversationID, text string) error {
	// Capture the routing decision under the lock, then send without it:
	// a slow publish must not stall inbound delivery.
	r.mu.Lock()
	var (
		sender  Sender
		channel int
		tr      transport.Kind
	)
	switch {
	case conversationID == PublicConversationID:
		sender, channel, tr = r.mesh, 0, transport.KindMesh
	case strings.HasPrefix(conversationID, "!"):
		sender, channel, tr = r.mesh, r.defaultChannel, transport.KindMesh
	default:
		sender, channel, tr = r.mqtt, 0, transport.KindMQTT
	}
	now := r.now
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Outbound",
		"conversation": conversationID,
		"transport":    tr.String(),
		"channel":      channel,
	}).Debug("Routing outbound message")

	if sender == nil {
		return fmt.Errorf("%s not configured", tr)
	}
	if !sender.Connected() {
		return fmt.Errorf("%s not connected", tr)
	}
	if err := sender.Send(conversationID, text, channel); err != nil {
		return err
	}

	r.log.Append(conversationID, r.screenName, text, now())
	return nil
}

// CloseConversation forgets an open surface so the next inbound message
// reopens it.
func (r *Router) CloseConversation(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, conversationID)
}

// History reloads the persisted log of a conversation.
func (r *Router) History(conversationID string) []chatlog.Entry {
	return r.log.Load(conversationID)
}

// ensureOpen asks the presenter for a surface once per conversation.
// Caller holds the lock.
func (r *Router) ensureOpen(conversationID, displayName string) {
	if _, ok := r.open[conversationID]; ok {
		return
	}
	name := displayName
	if conversationID == PublicConversationID {
		name = PublicConversationName
	}
	r.presenter.OpenConversation(conversationID, name)
	r.open[conversationID] = struct{}{}
}
