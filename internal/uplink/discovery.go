package uplink

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"

	"github.com/charmbracelet/log"

	"github.com/loramesh/meshd/internal/proto"
)

// ServiceType is the mDNS/DNS-SD service type a gateway node announces
// when its uplink is a local KISS-over-TCP bridge rather than a raw
// cellular/Wi-Fi socket, so LAN clients can find it without a configured
// address. Mirrors the teacher's own KISS-TCP service announcement.
const ServiceType = "_mesh-gateway._tcp"

// Discovery announces a gateway node's bridge over mDNS/DNS-SD.
type Discovery struct {
	responder dnssd.Responder
	log       *log.Logger
}

// Announce registers a service named after the local node's address,
// listening on port. Queries are answered while Run is running; cancel
// the ctx passed to Run to withdraw the announcement.
func Announce(local proto.Address, port int, logger *log.Logger) (*Discovery, error) {
	cfg := dnssd.Config{
		Name: fmt.Sprintf("mesh-gateway-%s", local),
		Type: ServiceType,
		Port: port,
	}

	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("uplink: building dns-sd service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("uplink: building dns-sd responder: %w", err)
	}
	if _, err := responder.Add(svc); err != nil {
		return nil, fmt.Errorf("uplink: registering dns-sd service: %w", err)
	}

	return &Discovery{responder: responder, log: logger}, nil
}

// Run blocks responding to mDNS queries until ctx is done.
func (d *Discovery) Run(ctx context.Context) {
	if err := d.responder.Respond(ctx); err != nil && ctx.Err() == nil {
		d.log.Error("dns-sd responder exited", "err", err)
	}
}
