// Package transport maps transport identifiers to protocol adapters.
// Adapters are built fresh per session; nothing here is shared state.
package transport

import (
	"fmt"

	"github.com/mwickert/elicit/internal/config"
	"github.com/mwickert/elicit/internal/core"
	"github.com/mwickert/elicit/internal/transport/broker"
	"github.com/mwickert/elicit/internal/transport/peer"
	"github.com/mwickert/elicit/internal/transport/relayed"
)

type Kind string

const (
	KindRelayed Kind = relayed.Package
	KindBroker  Kind = broker.Package
	KindPeer    Kind = peer.Package
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRelayed, KindBroker, KindPeer:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

// New builds a protocol adapter for the given kind from the config.
func New(kind Kind, cfg *config.Config) (core.Protocol, error) {
	switch kind {
	case KindRelayed:
		a := relayed.New(cfg.RelayURL, cfg.StartTimeout)
		a.HeartbeatPeriod = cfg.HeartbeatPeriod
		return a, nil
	case KindBroker:
		a := broker.New(cfg.BrokerURL, cfg.RelayURL)
		a.HeartbeatPeriod = cfg.HeartbeatPeriod
		return a, nil
	case KindPeer:
		a := peer.New(cfg.RelayURL, cfg.STUNServers, cfg.StartTimeout, cfg.ResendDelays)
		a.HeartbeatPeriod = cfg.HeartbeatPeriod
		return a, nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}
