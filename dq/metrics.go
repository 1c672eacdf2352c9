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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineStats are the dynamic query statistics counters.
type engineStats struct {
	leafQueries  prometheus.Counter
	localQueries prometheus.Counter
	oobProxied   prometheus.Counter

	completedFull    prometheus.Counter
	completedPartial prometheus.Counter
	completedZero    prometheus.Counter

	lingerExtra     prometheus.Counter
	lingerCompleted prometheus.Counter
	lingerResults   prometheus.Counter
}

func newEngineStats(r prometheus.Registerer) *engineStats {
	f := promauto.With(r)
	return &engineStats{
		leafQueries: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_leaf_queries_total",
			Help: "Dynamic queries launched on behalf of leaves.",
		}),
		localQueries: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_local_queries_total",
			Help: "Dynamic queries launched for local searches.",
		}),
		oobProxied: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_oob_proxied_queries_total",
			Help: "Leaf queries launched with out-of-band proxying.",
		}),
		completedFull: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_completed_full_total",
			Help: "Queries terminated with their result target met.",
		}),
		completedPartial: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_completed_partial_total",
			Help: "Queries terminated with some, but not enough, results.",
		}),
		completedZero: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_completed_zero_total",
			Help: "Queries terminated without a single result.",
		}),
		lingerExtra: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_linger_extra_total",
			Help: "Queries that accounted further hits while lingering.",
		}),
		lingerCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_linger_completed_total",
			Help: "Queries whose result target was only met by lingering hits.",
		}),
		lingerResults: f.NewCounter(prometheus.CounterOpts{
			Name: "ultrad_dq_linger_results_total",
			Help: "Hits accounted during the linger phase.",
		}),
	}
}
