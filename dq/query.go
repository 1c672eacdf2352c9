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

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/p2psearch/ultrad/callout"
	"github.com/p2psearch/ultrad/message"
)

type queryFlags uint8

const (
	// The originating leaf answers status requests.
	flagLeafGuided queryFlags = 1 << iota
	// A status request is outstanding; the armed event is its timeout.
	flagWaitingGuidance
	// At least one status reply ever arrived.
	flagGotGuidance
	// Terminated; hits still count, dispatches no longer happen.
	flagLingering
	// The originator asked for the query to stop.
	flagUserCancelled
	// Hits for this query are routed through us and can be counted.
	flagRoutingHits
)

// termReason records why a query stopped expanding.
type termReason int

const (
	termEnoughResults termReason = iota
	termHorizonReached
	termNoCandidates
	termUltrapeerCap
	termUserStop
	termOrphaned
	termDeadline
	termRoleLost
)

func (r termReason) String() string {
	switch r {
	case termEnoughResults:
		return "enough results"
	case termHorizonReached:
		return "horizon reached"
	case termNoCandidates:
		return "no candidates"
	case termUltrapeerCap:
		return "ultrapeer cap"
	case termUserStop:
		return "user stop"
	case termOrphaned:
		return "orphaned"
	case termDeadline:
		return "hard deadline"
	case termRoleLost:
		return "ultrapeer role lost"
	default:
		return "unknown"
	}
}

// query is one search in flight. All fields are confined to the engine's
// dispatch goroutine.
type query struct {
	gen uint64 // generation id, never reused across records

	origin   Node   // nil for local searches
	originID string // cached, survives node teardown
	handle   SearchHandle

	muid     message.MUID // wire identity
	leafMUID message.MUID // leaf-facing identity when OOB-proxied
	proxied  bool

	// Whether the indices actually point at this record; a MUID collision
	// leaves the newcomer unindexed under the contested key.
	muidIndexed bool
	leafIndexed bool

	template *message.Template
	hv       message.HashVector

	queried mapset.Set[string] // targets dispatched to, minus drops

	ttl     uint8 // initial TTL
	horizon int64 // estimated hosts reached so far

	upSent  int // targets confirmed sent
	pending int // dispatched, not yet confirmed sent or dropped

	maxResults int // stop when this many were kept
	finResults int // stop even unfiltered beyond this

	results       int // hits accounted while active
	oobResults    int // announced out of band, not yet claimed
	lingerResults int // hits accounted after termination
	newResults    int // hits since the last status report

	keptReported       int // leaf's last reported kept count
	upSentAtLastStatus int
	statTimeouts       int // consecutive unanswered status requests

	resultTimeout time.Duration // current per-iteration allowance

	flags queryFlags

	expireEv  *callout.Event // hard deadline, later the linger deadline
	resultsEv *callout.Event // next-step trigger or guidance timeout

	candidates []*candidate // previous iteration's vector, for QRP reuse
}

func (q *query) has(f queryFlags) bool { return q.flags&f != 0 }
func (q *query) set(f queryFlags)      { q.flags |= f }
func (q *query) clear(f queryFlags)    { q.flags &^= f }

// newQuery allocates a record under a fresh generation id.
func (e *Engine) newQuery(origin Node, handle SearchHandle, tpl *message.Template, hv message.HashVector) *query {
	e.gen++
	q := &query{
		gen:           e.gen,
		origin:        origin,
		handle:        handle,
		muid:          tpl.MUID(),
		template:      tpl,
		hv:            hv,
		queried:       mapset.NewThreadUnsafeSet[string](),
		ttl:           tpl.TTL(),
		resultTimeout: e.cfg.ResultTimeout,
	}
	if q.ttl > message.MaxTTL {
		q.ttl = message.MaxTTL
	}
	if origin != nil {
		q.originID = origin.ID()
	}
	return q
}

// target computes the query's result goal, decimated for URN searches
// where a single exact match is usually all the originator needs.
func (e *Engine) target(base int, hv message.HashVector) int {
	if !hv.URN {
		return base
	}
	t := base / e.cfg.URNDivisor
	if t < 1 {
		t = 1
	}
	return t
}

// alive gates every deferred callback: the record must still be indexed and
// carry the generation captured at scheduling time.
func (e *Engine) alive(q *query, gen uint64) bool {
	_, ok := e.queries[q]
	return ok && q.gen == gen
}

// kept estimates how many results the originator has kept after filtering.
// Local searches ask the search store. A guided leaf's last report is
// discounted by the ultrapeer fan-out each leaf is assumed to have, plus
// whatever arrived since; an unguided query assumes everything was kept.
func (e *Engine) kept(q *query) int {
	if q.origin == nil {
		if e.ov.Searches != nil {
			if n, ok := e.ov.Searches.KeptResults(q.handle); ok {
				return int(n)
			}
		}
		return q.results
	}
	if q.has(flagGotGuidance) {
		return q.keptReported/e.cfg.LeafUltrapeers + q.newResults
	}
	return q.results
}

// probe sends the initial burst. The probe TTL shrinks when plenty of
// admitting candidates exist: a well-connected neighbourhood reaches the
// target without depth.
func (e *Engine) probe(q *query) {
	if !e.ov.Table.IsUltrapeer() {
		e.terminate(q, termRoleLost)
		return
	}
	cands := e.probeCandidates(q)

	fanout := e.cfg.ProbeFanout
	ttl := int(q.ttl)
	if len(cands) > 6*fanout {
		ttl -= 2
	} else if len(cands) > 3*fanout {
		ttl--
	}
	if ttl < 1 {
		ttl = 1
	}
	for i := 0; i < len(cands) && i < fanout; i++ {
		e.dispatch(q, cands[i].node, uint8(ttl))
	}
	e.log.Debug("query probe sent",
		zap.String("muid", q.muid.Short()),
		zap.Uint64("qgen", q.gen),
		zap.Int("candidates", len(cands)),
		zap.Int("ttl", ttl))

	gen := q.gen
	delay := time.Duration(fanout) * (e.cfg.ProbeTimeout + q.resultTimeout)
	q.resultsEv = e.queue.Schedule(delay, func() { e.resultsExpired(q, gen) })
}

// resultsExpired is the armed next-step trigger: either the guidance
// timeout or the regular iteration timer.
func (e *Engine) resultsExpired(q *query, gen uint64) {
	if !e.alive(q, gen) {
		return
	}
	q.resultsEv = nil
	if q.has(flagLingering) {
		return
	}
	if q.has(flagWaitingGuidance) {
		e.guidanceTimedOut(q)
		return
	}
	if e.guidanceNeeded(q) {
		e.requestGuidance(q)
		return
	}
	e.iterate(q)
}

// iterate runs one step of the query: check the termination ladder, back
// off while enough dispatches are pending, otherwise pick one more
// ultrapeer and send.
func (e *Engine) iterate(q *query) {
	if q.has(flagLingering) {
		return
	}
	if !e.ov.Table.IsUltrapeer() {
		e.terminate(q, termRoleLost)
		return
	}
	if !q.has(flagRoutingHits) && !q.has(flagLeafGuided) {
		// Hits invisible and no leaf to ask: the query is blind.
		e.terminate(q, termOrphaned)
		return
	}
	if q.horizon >= int64(e.cfg.MaxHorizon) {
		e.terminate(q, termHorizonReached)
		return
	}
	if e.kept(q) >= q.maxResults {
		e.terminate(q, termEnoughResults)
		return
	}
	if q.results+q.oobResults >= q.finResults {
		e.terminate(q, termEnoughResults)
		return
	}
	if q.upSent >= e.cfg.MaxQueriedUltrapeers {
		e.terminate(q, termUltrapeerCap)
		return
	}

	gen := q.gen
	if q.pending >= e.cfg.MaxPending {
		q.resultsEv = e.queue.Schedule(q.resultTimeout, func() { e.resultsExpired(q, gen) })
		return
	}

	var (
		picked Node
		ttl    uint8
	)
	for _, c := range e.nextCandidates(q) {
		t := e.chooseTTL(q, c.node)
		if t == 1 && c.node.SupportsLastHopQRP() && !e.qrpAdmit(c, q.hv) {
			// Last hop and the table says no: the message would die there.
			continue
		}
		picked, ttl = c.node, t
		break
	}
	if picked == nil {
		e.terminate(q, termNoCandidates)
		return
	}
	e.dispatch(q, picked, ttl)

	// Unproductive wide queries get less and less patience per ultrapeer.
	if q.horizon > int64(e.cfg.AdjustThreshold) &&
		int64(q.results) < int64(e.cfg.LowResultMark)*q.horizon/int64(e.cfg.AdjustThreshold) {
		q.resultTimeout -= e.cfg.TimeoutAdjustStep
		if q.resultTimeout < e.cfg.MinResultTimeout {
			q.resultTimeout = e.cfg.MinResultTimeout
		}
	}
	delay := q.resultTimeout + time.Duration(q.pending-1)*e.cfg.PendingTimeout
	q.resultsEv = e.queue.Schedule(delay, func() { e.resultsExpired(q, gen) })
}

// chooseTTL picks the depth for one more ultrapeer: extrapolate the yield
// per host seen so far, spread the remaining need over the current
// connections, and use the smallest TTL whose horizon covers this node's
// share. With no yield data (or an unreachable share) the query goes as
// deep as node and query allow.
func (e *Engine) chooseTTL(q *query, n Node) uint8 {
	maxTTL := q.ttl
	if nt := n.MaxTTL(); nt < maxTTL {
		maxTTL = nt
	}
	if maxTTL < 1 {
		maxTTL = 1
	}
	if q.results == 0 {
		return maxTTL
	}
	hosts := q.horizon
	if hosts < 1 {
		hosts = 1
	}
	resultsPerHost := float64(q.results) / float64(hosts)
	toReach := float64(q.maxResults-e.kept(q)) / resultsPerHost
	conns := e.ov.Table.Count()
	if conns < 1 {
		conns = 1
	}
	perNode := toReach / float64(conns)
	for t := uint8(1); t <= maxTTL; t++ {
		if float64(e.hz.hosts(n.Degree(), t)) >= perNode {
			return t
		}
	}
	return maxTTL
}

// terminate ends the expansion phase and parks the record in the linger
// state, where late hits are still accounted.
func (e *Engine) terminate(q *query, reason termReason) {
	if q.has(flagLingering) {
		return
	}
	if q.resultsEv != nil {
		e.queue.Cancel(q.resultsEv)
		q.resultsEv = nil
	}
	q.clear(flagWaitingGuidance)
	q.set(flagLingering)

	switch {
	case e.kept(q) >= q.maxResults:
		e.stats.completedFull.Inc()
	case q.results > 0 || q.oobResults > 0:
		e.stats.completedPartial.Inc()
	default:
		e.stats.completedZero.Inc()
	}

	linger := e.cfg.LingerLifetime
	if q.has(flagUserCancelled) {
		linger = cancelLinger
	}
	gen := q.gen
	if q.expireEv == nil || !e.queue.Reschedule(q.expireEv, linger) {
		q.expireEv = e.queue.Schedule(linger, func() { e.expired(q, gen) })
	}
	e.log.Debug("query terminated",
		zap.String("muid", q.muid.Short()),
		zap.Uint64("qgen", q.gen),
		zap.Stringer("reason", reason),
		zap.Int("results", q.results),
		zap.Int("oob", q.oobResults),
		zap.Int("upSent", q.upSent),
		zap.Int64("horizon", q.horizon))
}

// expired is the expiration event: the hard deadline while active, the
// linger deadline afterwards.
func (e *Engine) expired(q *query, gen uint64) {
	if !e.alive(q, gen) {
		return
	}
	q.expireEv = nil
	if !q.has(flagLingering) {
		e.terminate(q, termDeadline)
		return
	}
	e.free(q)
}

// free destroys the record: every index entry goes, every pending event is
// cancelled, and the linger accounting is flushed to the statistics.
func (e *Engine) free(q *query) {
	if _, ok := e.queries[q]; !ok {
		return
	}
	if q.resultsEv != nil {
		e.queue.Cancel(q.resultsEv)
		q.resultsEv = nil
	}
	if q.expireEv != nil {
		e.queue.Cancel(q.expireEv)
		q.expireEv = nil
	}
	delete(e.queries, q)
	if q.muidIndexed {
		delete(e.byMUID, q.muid)
	}
	if q.leafIndexed {
		delete(e.byLeafMUID, q.leafMUID)
	}
	if q.originID != "" {
		rest := e.byNode[q.originID][:0]
		for _, other := range e.byNode[q.originID] {
			if other != q {
				rest = append(rest, other)
			}
		}
		if len(rest) == 0 {
			delete(e.byNode, q.originID)
		} else {
			e.byNode[q.originID] = rest
		}
	}

	if q.lingerResults > 0 {
		e.stats.lingerExtra.Inc()
		e.stats.lingerResults.Add(float64(q.lingerResults))
		if q.results < q.maxResults && q.results+q.lingerResults >= q.maxResults {
			e.stats.lingerCompleted.Inc()
		}
	}
	e.log.Debug("query freed",
		zap.String("muid", q.muid.Short()),
		zap.Uint64("qgen", q.gen),
		zap.Int("lingerResults", q.lingerResults))
}
