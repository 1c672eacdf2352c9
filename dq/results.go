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
	"github.com/p2psearch/ultrad/message"
)

// HitStatus describes a batch of incoming hits for accounting purposes.
type HitStatus uint8

const (
	// HitOOB marks hits delivered out of band rather than routed back
	// along the overlay path.
	HitOOB HitStatus = 1 << iota

	// HitFirewalled marks the hit source as firewalled.
	HitFirewalled
)

// OnHits accounts a batch of hits quoting the given MUID and reports
// whether the host should forward them towards the originator. Hits for
// queries the engine doesn't know keep flowing: they belong to searches
// routed through us by someone else.
func (e *Engine) OnHits(muid message.MUID, count int, status HitStatus) bool {
	forward := true
	e.queue.ExecWait(func() { forward = e.onHits(muid, count, status) })
	return forward
}

func (e *Engine) onHits(muid message.MUID, count int, status HitStatus) bool {
	q := e.lookupWire(muid)
	if q == nil {
		return true
	}
	// A firewalled source is useless to a firewalled originator unless the
	// query advertised firewall-to-firewall transfers. Only routed hits
	// are judged here; OOB announcements get claimed regardless.
	if status&HitOOB == 0 && status&HitFirewalled != 0 &&
		q.template.Firewalled() && !q.template.FWTransfer() {
		return false
	}
	if count > 0 {
		if q.has(flagLingering) {
			q.lingerResults += count
		} else {
			q.results += count
			q.newResults += count
		}
	}
	return !q.has(flagUserCancelled)
}

// OnOOBIndication accounts an out-of-band availability announcement and
// reports whether claiming the hits is still worthwhile.
func (e *Engine) OnOOBIndication(muid message.MUID, count int) bool {
	claim := false
	e.queue.ExecWait(func() { claim = e.onOOBIndication(muid, count) })
	return claim
}

func (e *Engine) onOOBIndication(muid message.MUID, count int) bool {
	q := e.lookupWire(muid)
	if q == nil || q.has(flagUserCancelled) {
		return false
	}
	if count > 0 {
		q.oobResults += count
	}
	return e.resultsWanted(q) > 0
}

// OnOOBClaimed moves previously announced hits out of the unclaimed pool,
// saturating at zero.
func (e *Engine) OnOOBClaimed(muid message.MUID, count int) {
	e.queue.ExecWait(func() {
		q := e.lookupWire(muid)
		if q == nil {
			return
		}
		q.oobResults -= count
		if q.oobResults < 0 {
			q.oobResults = 0
		}
	})
}

// ResultsWanted reports how many more results the query's originator can
// still use. ok is false for unknown MUIDs. A cancelled query wants
// nothing; a satisfied but guided query keeps a token interest of one while
// below its filtered cap.
func (e *Engine) ResultsWanted(muid message.MUID) (n int, ok bool) {
	e.queue.ExecWait(func() {
		q := e.lookupWire(muid)
		if q == nil {
			return
		}
		n, ok = e.resultsWanted(q), true
	})
	return n, ok
}

func (e *Engine) resultsWanted(q *query) int {
	if q.has(flagUserCancelled) {
		return 0
	}
	kept := e.kept(q)
	if kept < q.maxResults {
		return q.maxResults - kept
	}
	if q.has(flagGotGuidance) && kept < q.finResults {
		return 1
	}
	return 0
}
