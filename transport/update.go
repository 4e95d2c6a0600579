package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// The update-notification service lives at a fixed, well-known endpoint and
// publishes release announcements on a single broadcast topic. Access
// requires mutual TLS: the client presents its own certificate and only
// trusts the service's private CA.
const (
	UpdateServer = "updates.meshim.net"
	UpdatePort   = 8883
	UpdateTopic  = "meshim/updates"
	updateQoS    = 1
)

// UpdateCredentials locates the mutual-TLS material for the update client.
type UpdateCredentials struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// NewUpdateTransport builds the receive-only update-notification client.
// It is operated exactly like the user MQTT client but has an independent
// lifecycle and its failures are never escalated.
func NewUpdateTransport(creds UpdateCredentials, sink EventSink) (*MQTTTransport, error) {
	tlsCfg, err := mutualTLSConfig(creds)
	if err != nil {
		return nil, fmt.Errorf("update client TLS setup: %w", err)
	}

	return NewMQTTTransport(MQTTConfig{
		Server:      UpdateServer,
		Port:        UpdatePort,
		ClientID:    "meshim-update-" + uuid.NewString(),
		Topic:       UpdateTopic,
		QoS:         updateQoS,
		TLS:         tlsCfg,
		Kind:        KindUpdate,
		ReceiveOnly: true,
	}, sink), nil
}

// mutualTLSConfig loads the client keypair and pins the service CA.
func mutualTLSConfig(creds UpdateCredentials) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}

	caPEM, err := os.ReadFile(creds.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no usable certificates in %s", creds.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
