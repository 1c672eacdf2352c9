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
	"go.uber.org/zap"

	"github.com/p2psearch/ultrad/message"
)

// GuidanceStop is the kept count by which the originator orders the query
// stopped immediately.
const GuidanceStop = 0xFFFF

// guidanceNeeded decides whether to pause iteration and ask the leaf how
// much of what we routed it actually kept. Not worth the round trip until a
// few more ultrapeers were queried, nor — while hits are visible to us —
// before a meaningful batch of new results went its way.
func (e *Engine) guidanceNeeded(q *query) bool {
	if q.origin == nil || !q.has(flagLeafGuided) {
		return false
	}
	if q.upSent-q.upSentAtLastStatus < e.cfg.GuidanceThreshold {
		return false
	}
	if q.has(flagRoutingHits) && q.newResults < e.cfg.MinResultsForGuidance {
		return false
	}
	return true
}

// requestGuidance sends a status request to the originating leaf, under the
// identity the leaf knows the search by, and arms the reply timeout.
func (e *Engine) requestGuidance(q *query) {
	q.set(flagWaitingGuidance)
	muid := q.muid
	if q.proxied {
		muid = q.leafMUID
	}
	q.origin.RequestStatus(muid)

	timeout := e.cfg.GuidanceTimeout
	if e.ov.RTT != nil {
		avg, last := e.ov.RTT.RTT(q.origin)
		if rt := (avg + last) / 2; rt > timeout {
			timeout = rt
		}
	}
	gen := q.gen
	q.resultsEv = e.queue.Schedule(timeout, func() { e.resultsExpired(q, gen) })
	e.log.Debug("guidance requested",
		zap.String("muid", q.muid.Short()),
		zap.Uint64("qgen", q.gen),
		zap.Duration("timeout", timeout))
}

// guidanceTimedOut handles an unanswered status request. A leaf that never
// answered after the allowed strikes plainly doesn't implement guidance;
// the query degrades to unguided and iteration resumes either way.
func (e *Engine) guidanceTimedOut(q *query) {
	q.clear(flagWaitingGuidance)
	q.statTimeouts++
	if q.statTimeouts >= e.cfg.MaxGuidanceTimeouts && !q.has(flagGotGuidance) {
		q.clear(flagLeafGuided)
		e.log.Debug("leaf does not support guidance",
			zap.String("muid", q.muid.Short()),
			zap.String("origin", q.originID),
			zap.Int("timeouts", q.statTimeouts))
	}
	e.iterate(q)
}

// OnGuidance processes a query status reply (or an unsolicited report) from
// the originating leaf.
func (e *Engine) OnGuidance(muid message.MUID, sourceID string, kept uint32) {
	e.queue.ExecWait(func() { e.onGuidance(muid, sourceID, kept) })
}

func (e *Engine) onGuidance(muid message.MUID, sourceID string, kept uint32) {
	q := e.byMUID[muid]
	if q == nil {
		q = e.byLeafMUID[muid]
	}
	if q == nil {
		e.log.Debug("guidance for unknown query", zap.String("muid", muid.Short()))
		return
	}
	if q.origin == nil || q.originID != sourceID {
		e.log.Warn("guidance from non-originator",
			zap.String("muid", muid.Short()),
			zap.String("source", sourceID),
			zap.String("origin", q.originID))
		return
	}

	if kept == GuidanceStop {
		q.set(flagUserCancelled)
		if !q.has(flagLingering) {
			e.terminate(q, termUserStop)
		} else if q.expireEv != nil {
			e.queue.Reschedule(q.expireEv, cancelLinger)
		}
		return
	}

	// Unsolicited guidance from a leaf we didn't think guided: take it.
	q.set(flagLeafGuided | flagGotGuidance)
	q.keptReported = int(kept)
	q.upSentAtLastStatus = q.upSent
	q.newResults = 0
	q.statTimeouts = 0
	e.log.Debug("guidance received",
		zap.String("muid", q.muid.Short()),
		zap.Uint64("qgen", q.gen),
		zap.Uint32("kept", kept))

	if q.has(flagWaitingGuidance) {
		q.clear(flagWaitingGuidance)
		if q.resultsEv != nil {
			e.queue.Cancel(q.resultsEv)
			q.resultsEv = nil
		}
		e.iterate(q)
	}
}
