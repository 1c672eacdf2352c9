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

// Package dq implements dynamic querying for an ultrapeer.
//
// A dynamic query satisfies a search issued by a leaf (or by the local node)
// by forwarding it to a few neighbour ultrapeers at a time, watching the
// rate at which hits come back, estimating the horizon already covered and
// stopping as soon as the originator has enough. The overlay is never
// flooded; an unpopular query widens gradually instead.
//
// The engine drives each query through 3 phases:
//   - A probe contacts a small fan-out of QRP-admitting neighbours, at a
//     TTL reduced when plenty of candidates exist.
//   - Iteration adds one ultrapeer per step, with a TTL sized to the
//     remaining need, until a termination condition is met.
//   - Lingering keeps the record around after termination so late hits are
//     still accounted and routed.
//
// All engine state is confined to the callout queue's dispatch goroutine:
// the public entry points marshal onto it, and the message layer's free
// hooks are deferred onto it as well, gated by a (record, generation) pair
// against stale delivery.
package dq

import (
	"go.uber.org/zap"

	"github.com/p2psearch/ultrad/callout"
	"github.com/p2psearch/ultrad/message"
)

// Engine is the dynamic query engine. One instance serves the whole
// process; tests may run several, each with its own clock and queue.
type Engine struct {
	cfg   Config
	log   *zap.Logger
	ov    Overlay
	queue *callout.Queue
	hz    *horizonTable
	stats *engineStats

	ownQueue bool

	// Everything below is confined to the queue's dispatch goroutine.
	gen        uint64
	queries    map[*query]struct{}
	byNode     map[string][]*query
	byMUID     map[message.MUID]*query
	byLeafMUID map[message.MUID]*query
	closed     bool
}

// New creates an engine on the given overlay. The configuration is
// sanitized; ov.Table is mandatory.
func New(cfg Config, ov Overlay) *Engine {
	if ov.Table == nil {
		panic("dq: nil neighbour table")
	}
	cfg = cfg.sanitize()
	e := &Engine{
		cfg:        cfg,
		log:        cfg.Logger,
		ov:         ov,
		queue:      cfg.Queue,
		hz:         newHorizonTable(cfg.FuzzyFactor),
		stats:      newEngineStats(cfg.Registry),
		queries:    make(map[*query]struct{}),
		byNode:     make(map[string][]*query),
		byMUID:     make(map[message.MUID]*query),
		byLeafMUID: make(map[message.MUID]*query),
	}
	if e.queue == nil {
		e.queue = callout.New(cfg.Clock)
		e.ownQueue = true
	}
	return e
}

// Start brings the engine up. When the engine owns its callout queue, the
// dispatch goroutine starts here.
func (e *Engine) Start() {
	if e.ownQueue {
		e.queue.Start()
	}
	e.log.Debug("dynamic query engine up")
}

// Stop frees every live query and shuts the engine down. Free hooks still
// in flight afterwards find their records gone and discard cleanly.
func (e *Engine) Stop() {
	e.queue.ExecWait(func() {
		for q := range e.queries {
			e.free(q)
		}
		e.closed = true
	})
	if e.ownQueue {
		e.queue.Stop()
	}
	e.log.Debug("dynamic query engine down")
}

// LaunchRemote begins a dynamic query on behalf of a leaf. The template is
// the leaf's search message; hv is its precomputed QRP fingerprint.
func (e *Engine) LaunchRemote(origin Node, tpl *message.Template, hv message.HashVector) {
	if origin == nil || tpl == nil {
		return
	}
	e.queue.ExecWait(func() { e.launchRemote(origin, tpl, hv) })
}

// LaunchLocal begins a dynamic query for a local search.
func (e *Engine) LaunchLocal(handle SearchHandle, tpl *message.Template, hv message.HashVector) {
	if tpl == nil {
		return
	}
	e.queue.ExecWait(func() { e.launchLocal(handle, tpl, hv) })
}

// OnNodeRemoved tears down every query originating from the given node.
// There is no one left to deliver residual hits to, so the records are
// freed outright, without lingering.
func (e *Engine) OnNodeRemoved(nodeID string) {
	e.queue.ExecWait(func() {
		for _, q := range append([]*query(nil), e.byNode[nodeID]...) {
			e.free(q)
		}
	})
}

// OnSearchClosed frees every query serving the given local search.
func (e *Engine) OnSearchClosed(handle SearchHandle) {
	e.queue.ExecWait(func() {
		for q := range e.queries {
			if q.origin == nil && q.handle == handle {
				e.free(q)
			}
		}
	})
}

// ActiveQueries returns the number of live query records, lingering ones
// included.
func (e *Engine) ActiveQueries() int {
	var n int
	e.queue.ExecWait(func() { n = len(e.queries) })
	return n
}

// Queue returns the callout queue the engine runs on.
func (e *Engine) Queue() *callout.Queue {
	return e.queue
}

func (e *Engine) launchRemote(origin Node, tpl *message.Template, hv message.HashVector) {
	if e.closed {
		return
	}
	routing := true
	var (
		proxied  bool
		leafMUID message.MUID
	)
	if tpl.WantsOOB() {
		// Hits would go straight to the leaf, past our accounting. Try to
		// interpose; failing that, the query runs on guidance alone.
		routing = false
		if e.ov.OOBProxy != nil {
			if wire, ok := e.ov.OOBProxy.Create(origin, tpl); ok {
				leafMUID = tpl.MUID()
				tpl = tpl.WithMUID(wire)
				proxied, routing = true, true
			}
		}
	}

	q := e.newQuery(origin, 0, tpl, hv)
	q.leafMUID = leafMUID
	q.proxied = proxied
	q.maxResults = e.target(e.cfg.LeafResults, hv)
	q.finResults = q.maxResults * 100 / e.cfg.KeptPercent
	if tpl.LeafGuided() {
		q.set(flagLeafGuided)
	}
	if routing {
		q.set(flagRoutingHits)
	}

	e.stats.leafQueries.Inc()
	if proxied {
		e.stats.oobProxied.Inc()
	}
	e.register(q)
	e.log.Debug("remote dynamic query launched",
		zap.String("muid", q.muid.Short()),
		zap.Uint64("qgen", q.gen),
		zap.String("origin", q.originID),
		zap.Bool("proxied", proxied),
		zap.Bool("guided", q.has(flagLeafGuided)),
		zap.Int("target", q.maxResults))
	e.probe(q)
}

func (e *Engine) launchLocal(handle SearchHandle, tpl *message.Template, hv message.HashVector) {
	if e.closed {
		return
	}
	q := e.newQuery(nil, handle, tpl, hv)
	q.maxResults = e.target(e.cfg.LocalResults, hv)
	q.finResults = q.maxResults * 100 / e.cfg.KeptPercent
	q.set(flagRoutingHits)

	e.stats.localQueries.Inc()
	e.register(q)
	e.log.Debug("local dynamic query launched",
		zap.String("muid", q.muid.Short()),
		zap.Uint64("qgen", q.gen),
		zap.Uint32("search", uint32(handle)),
		zap.Int("target", q.maxResults))
	e.probe(q)
}

// register files the record in the indices and arms the hard deadline.
// MUID collisions are tolerated: the newcomer is simply not indexed under
// the contested key and will miss hit accounting through it.
func (e *Engine) register(q *query) {
	e.queries[q] = struct{}{}
	if q.originID != "" {
		e.byNode[q.originID] = append(e.byNode[q.originID], q)
	}
	if _, dup := e.byMUID[q.muid]; dup {
		e.log.Warn("wire MUID already in use, not indexing query by it",
			zap.String("muid", q.muid.Short()),
			zap.Uint64("qgen", q.gen))
	} else {
		e.byMUID[q.muid] = q
		q.muidIndexed = true
	}
	if q.proxied {
		if _, dup := e.byLeafMUID[q.leafMUID]; dup {
			e.log.Warn("leaf MUID already in use, not indexing query by it",
				zap.String("muid", q.leafMUID.Short()),
				zap.Uint64("qgen", q.gen))
		} else {
			e.byLeafMUID[q.leafMUID] = q
			q.leafIndexed = true
		}
	}
	gen := q.gen
	q.expireEv = e.queue.Schedule(e.cfg.MaxLifetime, func() { e.expired(q, gen) })
}

// lookupWire resolves an incoming MUID to its query: directly, or through
// the OOB proxy's wire-to-leaf mapping when the wire key was lost to a
// collision.
func (e *Engine) lookupWire(muid message.MUID) *query {
	if q := e.byMUID[muid]; q != nil {
		return q
	}
	if e.ov.OOBProxy != nil {
		if leaf, ok := e.ov.OOBProxy.Proxied(muid); ok {
			return e.byLeafMUID[leaf]
		}
	}
	return nil
}
