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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2psearch/ultrad/message"
)

func TestHitsUnknownMUIDForwarded(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.True(t, env.eng.OnHits(message.NewMUID(), 5, 0))
}

func TestHitAccounting(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl := plainTemplate(t, 4)
	env.eng.LaunchRemote(leaf, tpl, plainHV())

	require.True(t, env.eng.OnHits(tpl.MUID(), 10, 0))
	q := env.liveQuery()
	env.inspect(func() {
		require.Equal(t, 10, q.results)
		require.Equal(t, 10, q.newResults)
		require.Zero(t, q.lingerResults)
	})
}

func TestFirewalledPairDropped(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl, err := message.BuildTemplate(message.NewMUID(), 4, message.FlagFirewalled, "walled in", nil)
	require.NoError(t, err)
	env.eng.LaunchRemote(leaf, tpl, plainHV())
	q := env.liveQuery()

	// Routed hit from a firewalled source to a firewalled originator
	// without firewall-to-firewall support: dropped, not counted.
	require.False(t, env.eng.OnHits(tpl.MUID(), 5, HitFirewalled))
	env.inspect(func() { require.Zero(t, q.results) })

	// The same announcement out of band is not subject to the rule.
	require.True(t, env.eng.OnHits(tpl.MUID(), 5, HitFirewalled|HitOOB))
	env.inspect(func() { require.Equal(t, 5, q.results) })

	// A non-firewalled source is fine either way.
	require.True(t, env.eng.OnHits(tpl.MUID(), 5, 0))
	env.inspect(func() { require.Equal(t, 10, q.results) })
}

func TestFirewalledPairWithFWTransfer(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl, err := message.BuildTemplate(message.NewMUID(), 4,
		message.FlagFirewalled|message.FlagFWTransfer, "walled but able", nil)
	require.NoError(t, err)
	env.eng.LaunchRemote(leaf, tpl, plainHV())
	q := env.liveQuery()

	require.True(t, env.eng.OnHits(tpl.MUID(), 5, HitFirewalled))
	env.inspect(func() { require.Equal(t, 5, q.results) })
}

func TestOOBIndicationAndClaim(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl := plainTemplate(t, 4)
	env.eng.LaunchRemote(leaf, tpl, plainHV())
	q := env.liveQuery()

	require.False(t, env.eng.OnOOBIndication(message.NewMUID(), 3), "unknown MUID must not be claimed")

	require.True(t, env.eng.OnOOBIndication(tpl.MUID(), 7))
	env.inspect(func() { require.Equal(t, 7, q.oobResults) })

	// Claiming what was announced restores the pre-indication state.
	env.eng.OnOOBClaimed(tpl.MUID(), 7)
	env.inspect(func() { require.Zero(t, q.oobResults) })

	// Claims saturate at zero.
	require.True(t, env.eng.OnOOBIndication(tpl.MUID(), 3))
	env.eng.OnOOBClaimed(tpl.MUID(), 10)
	env.inspect(func() { require.Zero(t, q.oobResults) })
}

func TestResultsWanted(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl := guidedTemplate(t, 4)
	env.eng.LaunchRemote(leaf, tpl, plainHV())

	n, ok := env.eng.ResultsWanted(tpl.MUID())
	require.True(t, ok)
	require.Equal(t, DefaultConfig.LeafResults, n)

	_, ok = env.eng.ResultsWanted(message.NewMUID())
	require.False(t, ok)

	// Guidance reporting 150 kept: discounted to 50, the target is met,
	// but a guided query below the filtered cap keeps a token interest.
	env.eng.OnGuidance(tpl.MUID(), "leaf", 150)
	n, ok = env.eng.ResultsWanted(tpl.MUID())
	require.True(t, ok)
	require.Equal(t, 1, n)

	// Beyond the enough-even-if-filtered cap nothing is wanted.
	env.eng.OnGuidance(tpl.MUID(), "leaf", 3003)
	n, _ = env.eng.ResultsWanted(tpl.MUID())
	require.Zero(t, n)
}

func TestResultsWantedZeroWhenCancelled(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl := guidedTemplate(t, 4)
	env.eng.LaunchRemote(leaf, tpl, plainHV())

	env.eng.OnGuidance(tpl.MUID(), "leaf", GuidanceStop)
	n, ok := env.eng.ResultsWanted(tpl.MUID())
	require.True(t, ok)
	require.Zero(t, n)
}

func TestLocalKeptFromSearchStore(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	env.store.kept[7] = 120

	tpl := plainTemplate(t, 4)
	env.eng.LaunchLocal(7, tpl, plainHV())

	n, ok := env.eng.ResultsWanted(tpl.MUID())
	require.True(t, ok)
	require.Equal(t, DefaultConfig.LocalResults-120, n)
}

func TestURNTargetDecimated(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl := plainTemplate(t, 4)
	env.eng.LaunchRemote(leaf, tpl, message.NewHashVector([]string{"sha1"}, true))

	n, ok := env.eng.ResultsWanted(tpl.MUID())
	require.True(t, ok)
	require.Equal(t, DefaultConfig.LeafResults/DefaultConfig.URNDivisor, n)
}

func TestGuidanceFromNonOriginatorRejected(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl := guidedTemplate(t, 4)
	env.eng.LaunchRemote(leaf, tpl, plainHV())
	q := env.liveQuery()

	env.eng.OnGuidance(tpl.MUID(), "impostor", 25)
	env.inspect(func() {
		require.False(t, q.has(flagGotGuidance))
		require.Zero(t, q.keptReported)
	})
}

func TestUnsolicitedGuidanceEnables(t *testing.T) {
	env := newTestEnv(t, Config{}, fleet(3, 6, 4)...)
	leaf := newStubNode("leaf", 3, 4)
	tpl := plainTemplate(t, 4) // leaf did not advertise guidance
	env.eng.LaunchRemote(leaf, tpl, plainHV())
	q := env.liveQuery()

	env.inspect(func() { require.False(t, q.has(flagLeafGuided)) })
	env.eng.OnGuidance(tpl.MUID(), "leaf", 12)
	env.inspect(func() {
		require.True(t, q.has(flagLeafGuided))
		require.True(t, q.has(flagGotGuidance))
		require.Equal(t, 12, q.keptReported)
	})
}
