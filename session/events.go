package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshim/transport"
)

// handleEvent applies one transport event to the session state. Runs only
// on the event-loop goroutine; the lock keeps the public API linearized
// with it.
func (c *Controller) handleEvent(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleEvent",
		"transport": ev.Transport.String(),
		"type":      ev.Type.String(),
		"state":     c.state.String(),
	}).Debug("Processing transport event")

	switch ev.Type {
	case transport.EventEstablished:
		c.handleEstablished(ev)
	case transport.EventLost:
		c.handleLost(ev)
	case transport.EventMessage:
		c.handleMessage(ev)
	case transport.EventNodeSnapshot:
		c.handleNodeSnapshot(ev)
	case transport.EventPacket:
		c.handlePacket(ev)
	}
}

// handleEstablished marks a transport up. The first mesh establishment
// triggers the initial node fetch and starts the periodic refresh.
func (c *Controller) handleEstablished(ev transport.Event) {
	if c.state == SigningOff || c.state == Quitting || c.state == Disconnected {
		logrus.WithFields(logrus.Fields{
			"function":  "handleEstablished",
			"transport": ev.Transport.String(),
			"state":     c.state.String(),
		}).Info("Ignoring connection result outside an active session")
		return
	}

	// The update channel is lifecycle-independent: only the session
	// transports drive the state machine and re-arm the one-shot error
	// dialog.
	if ev.Transport == transport.KindMesh || ev.Transport == transport.KindMQTT {
		c.errorShown = false
		if c.state == Connecting {
			c.state = Connected
		}
	}

	switch ev.Transport {
	case transport.KindMesh:
		if c.registry != nil && ev.OwnID != "" {
			// Our own radio must never show up as a buddy.
			c.registry.Reserve(ev.OwnID)
		}
		c.ui.ShowStatus("Mesh: Connected", statusDuration)
		c.startRefreshLocked()
	case transport.KindMQTT:
		c.ui.ShowStatus("MQTT: Connected", statusDuration)
	case transport.KindUpdate:
		logrus.WithFields(logrus.Fields{
			"function": "handleEstablished",
		}).Info("Update notification channel connected")
	}
}

// handleLost applies the fatal-vs-recoverable policy: escalate only when
// the failing transport left the session with nothing else connected, and
// only once per sign-on attempt.
func (c *Controller) handleLost(ev transport.Event) {
	if ev.Transport == transport.KindUpdate {
		// The update channel is never escalated.
		logrus.WithFields(logrus.Fields{
			"function": "handleLost",
			"reason":   ev.Reason,
		}).Info("Update notification channel lost")
		return
	}

	if c.state == SigningOff || c.state == Quitting || c.state == Disconnected {
		logrus.WithFields(logrus.Fields{
			"function":  "handleLost",
			"transport": ev.Transport.String(),
			"state":     c.state.String(),
		}).Debug("Ignoring connection loss during teardown")
		return
	}

	var label string
	var other transport.Adapter
	switch ev.Transport {
	case transport.KindMesh:
		label = "Mesh"
		c.stopRefreshLocked()
		if c.mqtt != nil {
			other = c.mqtt
		}
	case transport.KindMQTT:
		label = "MQTT"
		if c.mesh != nil {
			other = c.mesh
		}
	}

	otherAlive := other != nil && other.Connected()
	if otherAlive || c.errorShown {
		// Recoverable: the session keeps running on the other transport,
		// or the user already saw the dialog for this attempt.
		c.ui.ShowStatus(label+" error: "+ev.Reason, statusDuration)
		return
	}

	c.errorShown = true
	logrus.WithFields(logrus.Fields{
		"function":  "handleLost",
		"transport": ev.Transport.String(),
		"reason":    ev.Reason,
	}).Error("Connection failure is fatal, signing off")

	c.ui.ShowFatalError(label+" Connection Failed",
		label+" connection failed or lost:\n"+ev.Reason)
	c.signOffLocked()
}

// handleMessage resolves the sender's display name and routes the message.
func (c *Controller) handleMessage(ev transport.Event) {
	if ev.Transport == transport.KindUpdate {
		// Release announcements surface as status text, never as chat.
		c.ui.ShowStatus("Update available: "+ev.Text, 0)
		return
	}
	if c.router == nil {
		return
	}

	displayName := ""
	if ev.Transport == transport.KindMesh && c.registry != nil {
		if n, ok := c.registry.Get(ev.Sender); ok {
			displayName = n.DisplayName()
		}
	}

	c.router.Inbound(ev.Sender, displayName, ev.Text, ev.Transport, ev.MsgKind)
}

// handleNodeSnapshot replaces the node table and pushes the display view.
func (c *Controller) handleNodeSnapshot(ev transport.Event) {
	if c.registry == nil {
		return
	}
	if accepted := c.registry.ReplaceAll(ev.Nodes); accepted == 0 {
		return
	}
	c.ui.UpdateNodeList(c.registry.ActiveSnapshot(time.Now()))
}

// handlePacket folds one packet's telemetry into the registry.
func (c *Controller) handlePacket(ev transport.Event) {
	if c.registry == nil {
		return
	}
	if n := c.registry.Upsert(ev.NodeID, ev.Fields); n != nil {
		c.ui.UpdateNodeStatus(*n)
	}
}

// startRefreshLocked fires the initial node fetch and starts the periodic
// refresh. The ticker starts only after the first successful establishment;
// a second established event for the same session finds it running and
// leaves it alone. Caller holds the lock.
func (c *Controller) startRefreshLocked() {
	if c.refreshStop != nil || c.mesh == nil {
		return
	}

	mesh := c.mesh
	if err := mesh.FetchNodes(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startRefreshLocked",
			"error":    err,
		}).Warn("Initial node fetch failed")
	}

	stop := make(chan struct{})
	c.refreshStop = stop

	logrus.WithFields(logrus.Fields{
		"function": "startRefreshLocked",
		"interval": c.refreshInterval,
	}).Info("Starting periodic node refresh")

	go func() {
		ticker := time.NewTicker(c.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := mesh.FetchNodes(); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "startRefreshLocked",
						"error":    err,
					}).Debug("Periodic node fetch failed")
				}
			}
		}
	}()
}

// stopRefreshLocked cancels the periodic refresh. Caller holds the lock.
func (c *Controller) stopRefreshLocked() {
	if c.refreshStop == nil {
		return
	}
	close(c.refreshStop)
	c.refreshStop = nil
	logrus.WithFields(logrus.Fields{
		"function": "stopRefreshLocked",
	}).Info("Stopped periodic node refresh")
}
