// Copyright 2025 The ultrad Authors
// This file is part of ultrad.
//
// ultrad is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// ultrad is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with ultrad. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p2psearch/ultrad/dq"
	"github.com/p2psearch/ultrad/message"
)

// simOverlay is an in-process overlay: a fleet of ultrapeer neighbours that
// answer queries probabilistically, and one leaf that issues them.
type simOverlay struct {
	settings simSettings
	log      *zap.Logger
	rand     *rand.Rand
	mu       sync.Mutex // guards rand; node callbacks race with hit timers

	nodes  []*simNode
	leaf   *simLeaf
	engine *dq.Engine
}

func newSimOverlay(settings simSettings, log *zap.Logger) *simOverlay {
	sim := &simOverlay{
		settings: settings,
		log:      log,
		rand:     rand.New(rand.NewSource(settings.Seed)),
	}
	for i := 0; i < settings.Nodes; i++ {
		sim.nodes = append(sim.nodes, &simNode{
			sim:    sim,
			id:     fmt.Sprintf("sim-up-%03d", i),
			degree: settings.Degree,
			maxTTL: uint8(settings.MaxTTL),
		})
	}
	sim.leaf = &simLeaf{sim: sim, id: "sim-leaf"}
	return sim
}

func (s *simOverlay) overlay() dq.Overlay {
	return dq.Overlay{
		Table: (*simTable)(s),
		QRP:   simQRP{},
		RTT:   simRTT{},
	}
}

// launchQuery issues one leaf query through the engine.
func (s *simOverlay) launchQuery(i int) error {
	var flags uint16
	if s.settings.Guided {
		flags |= message.FlagLeafGuided
	}
	text := fmt.Sprintf("simulated search %03d", i)
	tpl, err := message.BuildTemplate(message.NewMUID(), uint8(s.settings.MaxTTL), flags, text, nil)
	if err != nil {
		return err
	}
	hv := message.NewHashVector(strings.Fields(text), false)
	s.engine.LaunchRemote(s.leaf, tpl, hv)
	return nil
}

func (s *simOverlay) chance(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64() < p
}

func (s *simOverlay) jitter(base time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return base + time.Duration(s.rand.Int63n(int64(base)))
}

func (s *simOverlay) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Intn(n)
}

// simTable exposes the fleet as the neighbour table.
type simTable simOverlay

func (t *simTable) IsUltrapeer() bool { return true }
func (t *simTable) Count() int        { return len(t.nodes) }

func (t *simTable) Ultrapeers() []dq.Node {
	out := make([]dq.Node, len(t.nodes))
	for i, n := range t.nodes {
		out[i] = n
	}
	return out
}

// simNode is one neighbour ultrapeer. A queried node confirms the send
// right away and, with the configured probability, reports a batch of hits
// a little later.
type simNode struct {
	sim    *simOverlay
	id     string
	degree int
	maxTTL uint8
}

func (n *simNode) ID() string               { return n.id }
func (n *simNode) Degree() int              { return n.degree }
func (n *simNode) MaxTTL() uint8            { return n.maxTTL }
func (n *simNode) IsUltrapeer() bool        { return true }
func (n *simNode) IsWritable() bool         { return true }
func (n *simNode) InTxFlowControl() bool    { return false }
func (n *simNode) HopsFlow() int            { return 4 }
func (n *simNode) ReceivedHandshake() bool  { return true }
func (n *simNode) SupportsLastHopQRP() bool { return false }
func (n *simNode) TxQueueSize() int         { return 0 }

func (n *simNode) Send(payload []byte, status dq.SendStatus) {
	muid := message.MUIDFromBytes(payload)
	status(true)

	if !n.sim.chance(n.sim.settings.HitRate) {
		return
	}
	batch := 1 + n.sim.intn(n.sim.settings.HitBatch)
	delay := n.sim.jitter(200 * time.Millisecond)
	time.AfterFunc(delay, func() {
		forwarded := n.sim.engine.OnHits(muid, batch, 0)
		n.sim.log.Debug("simulated hits",
			zap.String("node", n.id),
			zap.String("muid", muid.Short()),
			zap.Int("count", batch),
			zap.Bool("forwarded", forwarded))
	})
}

func (n *simNode) RequestStatus(message.MUID) {}

// simLeaf is the originating leaf: each status request raises its claimed
// kept count for that query by 5, regardless of what was routed to it.
type simLeaf struct {
	sim  *simOverlay
	id   string
	mu   sync.Mutex
	kept map[message.MUID]uint32
}

func (l *simLeaf) ID() string               { return l.id }
func (l *simLeaf) Degree() int              { return 3 }
func (l *simLeaf) MaxTTL() uint8            { return 1 }
func (l *simLeaf) IsUltrapeer() bool        { return false }
func (l *simLeaf) IsWritable() bool         { return true }
func (l *simLeaf) InTxFlowControl() bool    { return false }
func (l *simLeaf) HopsFlow() int            { return 0 }
func (l *simLeaf) ReceivedHandshake() bool  { return true }
func (l *simLeaf) SupportsLastHopQRP() bool { return false }
func (l *simLeaf) TxQueueSize() int         { return 0 }

func (l *simLeaf) Send([]byte, dq.SendStatus) {}

func (l *simLeaf) RequestStatus(muid message.MUID) {
	l.mu.Lock()
	if l.kept == nil {
		l.kept = make(map[message.MUID]uint32)
	}
	l.kept[muid] += 5
	kept := l.kept[muid]
	l.mu.Unlock()

	delay := l.sim.jitter(50 * time.Millisecond)
	time.AfterFunc(delay, func() {
		l.sim.engine.OnGuidance(muid, l.id, kept)
	})
}

// simQRP admits everything; the simulated fleet shares all content.
type simQRP struct{}

func (simQRP) CanRoute(dq.Node, message.HashVector) bool { return true }

// simRTT reports a flat LAN-ish round trip.
type simRTT struct{}

func (simRTT) RTT(dq.Node) (time.Duration, time.Duration) {
	return 30 * time.Millisecond, 25 * time.Millisecond
}
