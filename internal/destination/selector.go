// Package destination implements the policy that picks where an
// application-level BROADCAST send ("send this upstream, I don't care
// which path") actually goes: a local uplink sink, a mesh node that
// offers one, or nowhere.
//
// Modeled on the teacher's igate.go, which picks between the Internet
// Server and an RF relay based on the local station's role and its heard
// table; generalized here to the CLIENT/GATEWAY policy of the routing
// engine.
package destination

import (
	"errors"

	"github.com/loramesh/meshd/internal/proto"
	"github.com/loramesh/meshd/internal/routing"
)

// ErrNoDestination is returned when neither the local node nor any known
// neighbor offers an upstream path.
var ErrNoDestination = errors.New("destination: no client or gateway reachable")

// Selector resolves BROADCAST application sends against the local role
// and the routing table.
type Selector struct {
	local proto.Address
	role  proto.Role
	table *routing.Table
}

// New builds a Selector for a node with the given address and
// advertised role, backed by table for mesh lookups.
func New(local proto.Address, role proto.Role, table *routing.Table) *Selector {
	return &Selector{local: local, role: role, table: table}
}

// Resolve applies the five-case policy of spec.md §4.G, in order:
//  1. local role includes CLIENT → Wi-Fi uplink.
//  2. table has a CLIENT → best such node (lowest metric, SNR tie-break).
//  3. local role includes GATEWAY → cellular uplink.
//  4. table has a GATEWAY → best such node.
//  5. otherwise → ErrNoDestination.
func (s *Selector) Resolve() (proto.Address, error) {
	if s.role.Has(proto.RoleClient) {
		return proto.WiFiUplink, nil
	}
	if e, ok := s.table.BestByRole(proto.RoleClient); ok {
		return e.Address, nil
	}
	if s.role.Has(proto.RoleGateway) {
		return proto.CellularUplink, nil
	}
	if e, ok := s.table.BestByRole(proto.RoleGateway); ok {
		return e.Address, nil
	}
	return proto.NoDestination, ErrNoDestination
}
