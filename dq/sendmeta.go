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

	"go.uber.org/zap"
)

// sendMeta binds one in-flight search message to the query it serves. The
// owning query is identified by pointer plus generation: by the time the
// message layer frees the message, the query may long be gone, and the
// generation check is the sole guard against acting on a stale record.
type sendMeta struct {
	q      *query
	gen    uint64
	nodeID string
	degree int
	ttl    uint8
}

// dispatch hands the query to one neighbour at the given TTL. The target
// enters the queried set before the send so concurrent candidate selection
// can never pick it twice; a later drop notification takes it out again.
func (e *Engine) dispatch(q *query, n Node, ttl uint8) {
	q.queried.Add(n.ID())
	q.pending++

	meta := &sendMeta{
		q:      q,
		gen:    q.gen,
		nodeID: n.ID(),
		degree: n.Degree(),
		ttl:    ttl,
	}
	e.log.Debug("dispatching query",
		zap.String("muid", q.muid.Short()),
		zap.Uint64("qgen", q.gen),
		zap.String("node", meta.nodeID),
		zap.Uint8("ttl", ttl))

	n.Send(q.template.Bytes(ttl), func(sent bool) {
		// The message layer may call this from any context; hop onto the
		// engine's dispatch goroutine before touching state.
		e.queue.Exec(func() { e.sendStatus(meta, sent) })
	})
}

// sendStatus is the free-hook path. A stale (query, generation) pair makes
// it a no-op; otherwise the metadata is consumed exactly once.
func (e *Engine) sendStatus(m *sendMeta, sent bool) {
	q := m.q
	if !e.alive(q, m.gen) {
		return
	}
	if q.pending > 0 {
		q.pending--
	}
	if sent {
		q.upSent++
		q.horizon += e.hz.hosts(m.degree, m.ttl)
		return
	}

	// The target never saw the query; make it eligible again.
	q.queried.Remove(m.nodeID)
	e.log.Debug("query message dropped",
		zap.String("muid", q.muid.Short()),
		zap.String("node", m.nodeID))

	// Don't leave the query stalled behind a silent drop: when nothing is
	// in flight anymore, pull the armed results event forward.
	if q.pending == 0 && q.resultsEv != nil && !q.has(flagWaitingGuidance) {
		e.queue.Reschedule(q.resultsEv, time.Millisecond)
	}
}
