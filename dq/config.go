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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/p2psearch/ultrad/callout"
	"github.com/p2psearch/ultrad/common/mclock"
)

// cancelLinger is how long a user-cancelled query is kept around. It only
// needs to outlive the callout hop of any in-flight free hook.
const cancelLinger = time.Millisecond

// Config holds the dynamic query tunables. The zero value of any field is
// replaced with its default.
type Config struct {
	// Hard deadline on the active phase of a query; a query still active
	// then is terminated and lingers for LingerLifetime after it.
	MaxLifetime time.Duration

	// How long a terminated query keeps accounting late hits.
	LingerLifetime time.Duration

	// Extra allowance per probe message before the first iteration.
	ProbeTimeout time.Duration

	// Extra allowance per pending message when arming the results event.
	PendingTimeout time.Duration

	// Initial wait for results after each dispatched ultrapeer.
	ResultTimeout time.Duration

	// Floor for ResultTimeout decay on unproductive queries.
	MinResultTimeout time.Duration

	// Decrement applied to the result timeout per unproductive ultrapeer.
	TimeoutAdjustStep time.Duration

	// Floor for the leaf guidance reply timeout; the RTT estimate may only
	// raise it.
	GuidanceTimeout time.Duration

	// Dispatches allowed to be in flight before the engine backs off.
	MaxPending int

	// Consecutive unanswered guidance requests before the leaf is deemed
	// not to support guidance.
	MaxGuidanceTimeouts int

	// Ultrapeers queried since the last status before guidance is asked.
	GuidanceThreshold int

	// New results required before bothering a hit-routing leaf for status.
	MinResultsForGuidance int

	// Result targets for leaf-issued and locally-issued queries.
	LeafResults  int
	LocalResults int

	// Target divisor for exact-URN queries: one good hit is usually enough.
	URNDivisor int

	// Ultrapeers contacted by the initial probe.
	ProbeFanout int

	// Estimated hosts reached at which the query stops expanding.
	MaxHorizon int

	// Horizon beyond which the result timeout starts decaying when fewer
	// than LowResultMark results per AdjustThreshold hosts came back.
	AdjustThreshold int
	LowResultMark   int

	// Assumed percentage of results a filtering leaf keeps; sets the
	// enough-even-if-filtered cap.
	KeptPercent int

	// Send-queue depth difference below which two candidates are
	// considered equal and QRP breaks the tie.
	QueueEpsilon int

	// Per-hop message deperdition of the horizon model.
	FuzzyFactor float64

	// Assumed ultrapeers per leaf; discounts reported kept counts.
	LeafUltrapeers int

	// Upper bound on distinct ultrapeers queried per search.
	MaxQueriedUltrapeers int

	// Logger receives per-query debug traces; nil disables logging.
	Logger *zap.Logger

	// Clock defaults to the system clock. Tests inject a simulated one.
	Clock mclock.Clock

	// Queue is the callout queue the engine schedules on. When nil the
	// engine runs its own, started and stopped with the engine.
	Queue *callout.Queue

	// Registry receives the engine statistics counters; nil leaves them
	// unregistered.
	Registry prometheus.Registerer
}

// DefaultConfig are the stock tunables.
var DefaultConfig = Config{
	MaxLifetime:           600 * time.Second,
	LingerLifetime:        180 * time.Second,
	ProbeTimeout:          1500 * time.Millisecond,
	PendingTimeout:        1200 * time.Millisecond,
	ResultTimeout:         3700 * time.Millisecond,
	MinResultTimeout:      1500 * time.Millisecond,
	TimeoutAdjustStep:     100 * time.Millisecond,
	GuidanceTimeout:       40 * time.Second,
	MaxPending:            3,
	MaxGuidanceTimeouts:   2,
	GuidanceThreshold:     3,
	MinResultsForGuidance: 20,
	LeafResults:           50,
	LocalResults:          150,
	URNDivisor:            25,
	ProbeFanout:           3,
	MaxHorizon:            500000,
	AdjustThreshold:       3000,
	LowResultMark:         10,
	KeptPercent:           5,
	QueueEpsilon:          2048,
	FuzzyFactor:           0.80,
	LeafUltrapeers:        3,
	MaxQueriedUltrapeers:  32,
}

// sanitize fills unset fields with their defaults.
func (c Config) sanitize() Config {
	d := DefaultConfig
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.LingerLifetime <= 0 {
		c.LingerLifetime = d.LingerLifetime
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = d.PendingTimeout
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = d.ResultTimeout
	}
	if c.MinResultTimeout <= 0 {
		c.MinResultTimeout = d.MinResultTimeout
	}
	if c.TimeoutAdjustStep <= 0 {
		c.TimeoutAdjustStep = d.TimeoutAdjustStep
	}
	if c.GuidanceTimeout <= 0 {
		c.GuidanceTimeout = d.GuidanceTimeout
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.MaxGuidanceTimeouts <= 0 {
		c.MaxGuidanceTimeouts = d.MaxGuidanceTimeouts
	}
	if c.GuidanceThreshold <= 0 {
		c.GuidanceThreshold = d.GuidanceThreshold
	}
	if c.MinResultsForGuidance <= 0 {
		c.MinResultsForGuidance = d.MinResultsForGuidance
	}
	if c.LeafResults <= 0 {
		c.LeafResults = d.LeafResults
	}
	if c.LocalResults <= 0 {
		c.LocalResults = d.LocalResults
	}
	if c.URNDivisor <= 0 {
		c.URNDivisor = d.URNDivisor
	}
	if c.ProbeFanout <= 0 {
		c.ProbeFanout = d.ProbeFanout
	}
	if c.MaxHorizon <= 0 {
		c.MaxHorizon = d.MaxHorizon
	}
	if c.AdjustThreshold <= 0 {
		c.AdjustThreshold = d.AdjustThreshold
	}
	if c.LowResultMark <= 0 {
		c.LowResultMark = d.LowResultMark
	}
	if c.KeptPercent <= 0 || c.KeptPercent > 100 {
		c.KeptPercent = d.KeptPercent
	}
	if c.QueueEpsilon <= 0 {
		c.QueueEpsilon = d.QueueEpsilon
	}
	if c.FuzzyFactor <= 0 || c.FuzzyFactor > 1 {
		c.FuzzyFactor = d.FuzzyFactor
	}
	if c.LeafUltrapeers <= 0 {
		c.LeafUltrapeers = d.LeafUltrapeers
	}
	if c.MaxQueriedUltrapeers <= 0 {
		c.MaxQueriedUltrapeers = d.MaxQueriedUltrapeers
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = mclock.System{}
	}
	return c
}
