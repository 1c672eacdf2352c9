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
	"fmt"
	"testing"
	"time"

	"github.com/p2psearch/ultrad/callout"
	"github.com/p2psearch/ultrad/common/mclock"
	"github.com/p2psearch/ultrad/message"
)

// stubSend records one dispatched wire message.
type stubSend struct {
	payload []byte
	ttl     uint8
}

// stubNode is a scriptable neighbour. By default every send is confirmed
// sent immediately; dropNext and holdStatus override that per test.
type stubNode struct {
	id         string
	degree     int
	maxTTL     uint8
	ultrapeer  bool
	writable   bool
	handshake  bool
	flowCtl    bool
	hopsFlow   int
	lastHopQRP bool
	queueSize  int

	sends      []stubSend
	statusReqs []message.MUID

	dropNext   bool
	holdStatus bool
	held       []SendStatus
}

func newStubNode(id string, degree int, maxTTL uint8) *stubNode {
	return &stubNode{
		id:        id,
		degree:    degree,
		maxTTL:    maxTTL,
		ultrapeer: true,
		writable:  true,
		handshake: true,
		hopsFlow:  4,
	}
}

func (n *stubNode) ID() string               { return n.id }
func (n *stubNode) Degree() int              { return n.degree }
func (n *stubNode) MaxTTL() uint8            { return n.maxTTL }
func (n *stubNode) IsUltrapeer() bool        { return n.ultrapeer }
func (n *stubNode) IsWritable() bool         { return n.writable }
func (n *stubNode) InTxFlowControl() bool    { return n.flowCtl }
func (n *stubNode) HopsFlow() int            { return n.hopsFlow }
func (n *stubNode) ReceivedHandshake() bool  { return n.handshake }
func (n *stubNode) SupportsLastHopQRP() bool { return n.lastHopQRP }
func (n *stubNode) TxQueueSize() int         { return n.queueSize }

func (n *stubNode) Send(payload []byte, status SendStatus) {
	n.sends = append(n.sends, stubSend{payload: payload, ttl: payload[17]})
	switch {
	case n.holdStatus:
		n.held = append(n.held, status)
	case n.dropNext:
		n.dropNext = false
		status(false)
	default:
		status(true)
	}
}

func (n *stubNode) RequestStatus(muid message.MUID) {
	n.statusReqs = append(n.statusReqs, muid)
}

// stubTable is a fixed neighbour list with a switchable local role.
type stubTable struct {
	nodes []*stubNode
	ultra bool
}

func (t *stubTable) IsUltrapeer() bool { return t.ultra }
func (t *stubTable) Count() int        { return len(t.nodes) }

func (t *stubTable) Ultrapeers() []Node {
	out := make([]Node, len(t.nodes))
	for i, n := range t.nodes {
		out[i] = n
	}
	return out
}

// stubQRP rejects the nodes listed in reject and counts evaluations.
type stubQRP struct {
	reject map[string]bool
	calls  int
}

func (q *stubQRP) CanRoute(n Node, hv message.HashVector) bool {
	q.calls++
	return !q.reject[n.ID()]
}

type stubRTT struct {
	avg, last time.Duration
}

func (r *stubRTT) RTT(Node) (time.Duration, time.Duration) { return r.avg, r.last }

type stubOOB struct {
	wireByLeaf map[message.MUID]message.MUID
	leafByWire map[message.MUID]message.MUID
}

func newStubOOB() *stubOOB {
	return &stubOOB{
		wireByLeaf: make(map[message.MUID]message.MUID),
		leafByWire: make(map[message.MUID]message.MUID),
	}
}

func (o *stubOOB) Create(n Node, t *message.Template) (message.MUID, bool) {
	wire := message.NewMUID()
	o.wireByLeaf[t.MUID()] = wire
	o.leafByWire[wire] = t.MUID()
	return wire, true
}

func (o *stubOOB) Proxied(wire message.MUID) (message.MUID, bool) {
	leaf, ok := o.leafByWire[wire]
	return leaf, ok
}

type stubStore struct {
	kept map[SearchHandle]uint32
}

func (s *stubStore) KeptResults(h SearchHandle) (uint32, bool) {
	n, ok := s.kept[h]
	return n, ok
}

// testEnv wires an engine to stub collaborators on a virtual clock.
type testEnv struct {
	t     *testing.T
	clk   *mclock.Simulated
	queue *callout.Queue
	table *stubTable
	qrp   *stubQRP
	rtt   *stubRTT
	oob   *stubOOB
	store *stubStore
	eng   *Engine
}

func newTestEnv(t *testing.T, cfg Config, nodes ...*stubNode) *testEnv {
	env := &testEnv{
		t:     t,
		clk:   new(mclock.Simulated),
		table: &stubTable{nodes: nodes, ultra: true},
		qrp:   &stubQRP{},
		rtt:   &stubRTT{},
		oob:   newStubOOB(),
		store: &stubStore{kept: make(map[SearchHandle]uint32)},
	}
	env.queue = callout.New(env.clk)
	env.queue.Start()
	cfg.Clock = env.clk
	cfg.Queue = env.queue
	env.eng = New(cfg, Overlay{
		Table:    env.table,
		QRP:      env.qrp,
		RTT:      env.rtt,
		OOBProxy: env.oob,
		Searches: env.store,
	})
	env.eng.Start()
	t.Cleanup(env.queue.Stop)
	return env
}

// fleet builds n identical neighbours.
func fleet(n, degree int, maxTTL uint8) []*stubNode {
	nodes := make([]*stubNode, n)
	for i := range nodes {
		nodes[i] = newStubNode(fmt.Sprintf("up-%02d", i), degree, maxTTL)
	}
	return nodes
}

// run advances the virtual clock and waits until every due callback ran.
func (env *testEnv) run(d time.Duration) {
	env.clk.Run(d)
	env.sync()
}

// sync barriers on the dispatch goroutine.
func (env *testEnv) sync() {
	env.queue.ExecWait(func() {})
}

// inspect runs fn on the dispatch goroutine, for safe access to internals.
func (env *testEnv) inspect(fn func()) {
	env.queue.ExecWait(fn)
}

// sendCount totals the dispatches recorded across the fleet.
func (env *testEnv) sendCount() int {
	var n int
	env.inspect(func() {
		for _, node := range env.table.nodes {
			n += len(node.sends)
		}
	})
	return n
}

// liveQuery returns the single live query record.
func (env *testEnv) liveQuery() *query {
	var (
		q *query
		n int
	)
	env.inspect(func() {
		n = len(env.eng.queries)
		for cand := range env.eng.queries {
			q = cand
		}
	})
	if n != 1 {
		env.t.Fatalf("have %d live queries, want 1", n)
	}
	return q
}

// guidedTemplate builds a leaf search message advertising guidance.
func guidedTemplate(t *testing.T, ttl uint8) *message.Template {
	tpl, err := message.BuildTemplate(message.NewMUID(), ttl, message.FlagLeafGuided, "test search", nil)
	if err != nil {
		t.Fatal(err)
	}
	return tpl
}

// plainTemplate builds an unguided, non-OOB leaf search message.
func plainTemplate(t *testing.T, ttl uint8) *message.Template {
	tpl, err := message.BuildTemplate(message.NewMUID(), ttl, 0, "test search", nil)
	if err != nil {
		t.Fatal(err)
	}
	return tpl
}
