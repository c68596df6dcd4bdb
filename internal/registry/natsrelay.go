package registry

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	relayEventPrefix = "session.events."
	relayStatePrefix = "session.state."
	relayNodeHeader  = "Pomosync-Node"
)

// Relay bridges registries running on different nodes over NATS so that
// participants of one session can be connected to any node. Two subject
// spaces are used: session.events.<id> carries broadcast frames for fan-out
// to remote members, and session.state.<id> carries full session snapshots
// (or an empty tombstone) so remote nodes hold a mirror record and can admit
// joiners for sessions created elsewhere. All messages carry a node id
// header; a node skips its own.
//
// Session state is live-only, so plain core NATS pub/sub is used; there is
// nothing to replay for a late joiner (joins adopt the full snapshot from
// the mirror of whichever node handles the handshake).
type Relay struct {
	nc     *nats.Conn
	nodeID string
}

// NewRelay connects to NATS and subscribes the registry to remote session
// frames and state snapshots.
func NewRelay(url string, registry *Registry) (*Relay, error) {
	nodeID := uuid.New().String()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	relay := &Relay{nc: nc, nodeID: nodeID}

	_, err = nc.Subscribe(relayEventPrefix+">", func(msg *nats.Msg) {
		if msg.Header.Get(relayNodeHeader) == nodeID {
			return
		}
		sessionID := strings.TrimPrefix(msg.Subject, relayEventPrefix)
		registry.injectFromRelay(sessionID, msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to session events: %w", err)
	}

	_, err = nc.Subscribe(relayStatePrefix+">", func(msg *nats.Msg) {
		if msg.Header.Get(relayNodeHeader) == nodeID {
			return
		}
		sessionID := strings.TrimPrefix(msg.Subject, relayStatePrefix)
		registry.applyRelayedState(sessionID, msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to session state: %w", err)
	}

	log.Info().Str("node_id", nodeID).Str("url", url).Msg("NATS relay started")
	return relay, nil
}

// Publish forwards a locally produced session frame to the other nodes.
func (rl *Relay) Publish(sessionID string, data []byte) {
	rl.publish(relayEventPrefix+sessionID, data)
}

// PublishState forwards a full session snapshot to the other nodes. Empty
// data is a tombstone announcing the session's destruction.
func (rl *Relay) PublishState(sessionID string, data []byte) {
	rl.publish(relayStatePrefix+sessionID, data)
}

func (rl *Relay) publish(subject string, data []byte) {
	msg := nats.NewMsg(subject)
	msg.Header.Set(relayNodeHeader, rl.nodeID)
	msg.Data = data
	if err := rl.nc.PublishMsg(msg); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to publish session frame")
	}
}

// Close drains the NATS connection.
func (rl *Relay) Close() {
	if rl.nc != nil {
		rl.nc.Close()
	}
}
