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
	"sort"

	"github.com/p2psearch/ultrad/message"
)

// candidate is one ultrapeer considered for a dispatch, with its send-queue
// depth snapshot and the lazily computed QRP admission verdict. The verdict
// is cached for the life of the candidate vector so the comparator never
// evaluates a node twice.
type candidate struct {
	node      Node
	queueSize int
	qrpKnown  bool
	qrpPass   bool
}

// qrpAdmit evaluates (once) whether the candidate's QRP table admits the
// query. Without a QRP module every node admits everything.
func (e *Engine) qrpAdmit(c *candidate, hv message.HashVector) bool {
	if !c.qrpKnown {
		c.qrpKnown = true
		c.qrpPass = e.ov.QRP == nil || e.ov.QRP.CanRoute(c.node, hv)
	}
	return c.qrpPass
}

// usableNeighbour applies the static dispatch filters: a connected,
// handshaken ultrapeer that is writable, not choking on transmit flow
// control, and whose hops-flow still lets queries in.
func usableNeighbour(n Node) bool {
	return n.IsUltrapeer() &&
		n.IsWritable() &&
		n.ReceivedHandshake() &&
		!n.InTxFlowControl() &&
		n.HopsFlow() > 0
}

// probeCandidates returns the neighbours eligible for the initial probe,
// additionally requiring QRP admission up front, sorted by ascending
// send-queue depth.
func (e *Engine) probeCandidates(q *query) []*candidate {
	var out []*candidate
	for _, n := range e.ov.Table.Ultrapeers() {
		if !usableNeighbour(n) {
			continue
		}
		c := &candidate{node: n, queueSize: n.TxQueueSize()}
		if !e.qrpAdmit(c, q.hv) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].queueSize < out[j].queueSize
	})
	return out
}

// nextCandidates returns the neighbours eligible for the next iteration,
// excluding everything already queried. QRP is not required up front: the
// verdict from the previous iteration's vector is inherited where known and
// otherwise only computed when the ordering tie-break demands it. The new
// vector replaces the query's cached one.
func (e *Engine) nextCandidates(q *query) []*candidate {
	known := make(map[string]*candidate, len(q.candidates))
	for _, c := range q.candidates {
		if c.qrpKnown {
			known[c.node.ID()] = c
		}
	}
	var out []*candidate
	for _, n := range e.ov.Table.Ultrapeers() {
		if !usableNeighbour(n) || q.queried.Contains(n.ID()) {
			continue
		}
		c := &candidate{node: n, queueSize: n.TxQueueSize()}
		if prev := known[n.ID()]; prev != nil {
			c.qrpKnown, c.qrpPass = true, prev.qrpPass
		}
		out = append(out, c)
	}
	e.sortCandidates(out, q.hv)
	q.candidates = out
	return out
}

// sortCandidates orders by ascending send-queue depth; within the
// configured epsilon a node whose QRP admits the query wins. QRP is only
// evaluated when the tie-break fires.
func (e *Engine) sortCandidates(cs []*candidate, hv message.HashVector) {
	eps := e.cfg.QueueEpsilon
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		diff := a.queueSize - b.queueSize
		if diff >= -eps && diff <= eps {
			ap, bp := e.qrpAdmit(a, hv), e.qrpAdmit(b, hv)
			if ap != bp {
				return ap
			}
		}
		return a.queueSize < b.queueSize
	})
}
