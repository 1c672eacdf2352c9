// Copyright 2025 The ultrad Authors
// This file is part of the ultrad library.
//
// The ultrad library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ultrad library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ultrad library. If not, see <http://www.gnu.org/licenses/>.

package dq

import (
	"time"

	"github.com/p2psearch/ultrad/message"
)

// SearchHandle identifies a locally issued search in the host's search store.
type SearchHandle uint32

// SendStatus is invoked exactly once per dispatched message, after the
// message layer has either written it out (sent) or discarded it from a
// congested queue (dropped). The engine defers the callback onto its callout
// queue, so implementations may invoke it from any goroutine.
type SendStatus func(sent bool)

// Node is the engine's view of a connected neighbour. All methods are called
// on the engine's dispatch goroutine and must not block.
type Node interface {
	// ID identifies the connection for the lifetime of the process.
	ID() string

	// Degree is the neighbour's advertised connection count.
	Degree() int

	// MaxTTL is the highest TTL the neighbour accepts.
	MaxTTL() uint8

	IsUltrapeer() bool
	IsWritable() bool
	InTxFlowControl() bool

	// HopsFlow returns the neighbour's inbound hops-flow limit; zero means
	// it currently wants no queries at all.
	HopsFlow() int

	ReceivedHandshake() bool

	// SupportsLastHopQRP reports whether the neighbour advertised a QRP
	// table for last-hop (TTL 1) filtering.
	SupportsLastHopQRP() bool

	// TxQueueSize is the byte depth of the pending send queue.
	TxQueueSize() int

	// Send enqueues a wire message. status fires exactly once when the
	// message layer frees the buffer.
	Send(payload []byte, status SendStatus)

	// RequestStatus asks the node, via the host's vendor-message framing,
	// how many hits it has kept for the given query.
	RequestStatus(muid message.MUID)
}

// NeighbourTable enumerates current connections and exposes the local role.
type NeighbourTable interface {
	// IsUltrapeer reports whether the local node still runs as ultrapeer.
	// Dynamic querying stops making sense the moment this turns false.
	IsUltrapeer() bool

	// Ultrapeers returns the currently connected ultrapeer neighbours.
	// The returned slice is owned by the caller.
	Ultrapeers() []Node

	// Count is the total number of current connections.
	Count() int
}

// QRP is the query routing predicate exposed by the host's QRP module.
type QRP interface {
	// CanRoute reports whether the node's patch table admits the query.
	CanRoute(n Node, hv message.HashVector) bool
}

// RTT exposes the alive-ping round-trip estimator.
type RTT interface {
	// RTT returns the smoothed and the most recent round-trip time for
	// the node. Zero values mean no estimate yet.
	RTT(n Node) (avg, last time.Duration)
}

// OOBProxy is the out-of-band proxying subsystem. When a leaf requests OOB
// delivery, proxying rewrites the MUID so hits come to us for relaying.
type OOBProxy interface {
	// Create installs a proxy for the node's query and returns the
	// rewritten wire MUID, or false when proxying is unavailable.
	Create(n Node, t *message.Template) (message.MUID, bool)

	// Proxied maps a wire MUID back to the leaf-facing original, if the
	// MUID belongs to a proxied query.
	Proxied(wire message.MUID) (message.MUID, bool)
}

// SearchStore exposes the local search results, used to synthesise kept
// counts for queries without a leaf to ask.
type SearchStore interface {
	// KeptResults returns how many results the local search has kept
	// after filtering. ok is false for unknown handles.
	KeptResults(h SearchHandle) (n uint32, ok bool)
}

// Overlay bundles the collaborators the engine consumes. Table is
// mandatory; the others may be nil, degrading the related behaviour
// gracefully (no QRP filtering, floor guidance timeouts, no OOB proxying,
// local kept counts tracked from routed hits only).
type Overlay struct {
	Table    NeighbourTable
	QRP      QRP
	RTT      RTT
	OOBProxy OOBProxy
	Searches SearchStore
}
