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
	"math"

	"github.com/p2psearch/ultrad/message"
)

// maxDegree bounds the tabulated neighbour degree.
const maxDegree = 50

// horizonTable maps (degree, ttl) to the estimated number of hosts a query
// reaches, assuming a uniform tree of the given degree with per-hop message
// deperdition captured by the fuzzy factor:
//
//	horizon(d, t) = floor(fuzzy^(t-1) * sum_{i=0..t-1} d^i)
//
// Precomputed once per engine so the dispatch path never exponentiates.
type horizonTable [maxDegree][message.MaxTTL]int64

func newHorizonTable(fuzzy float64) *horizonTable {
	var h horizonTable
	for d := 1; d <= maxDegree; d++ {
		var (
			sum   int64
			power int64 = 1 // d^0
		)
		for t := 1; t <= message.MaxTTL; t++ {
			sum += power
			power *= int64(d)
			h[d-1][t-1] = int64(math.Floor(math.Pow(fuzzy, float64(t-1)) * float64(sum)))
		}
	}
	return &h
}

// hosts returns the tabulated horizon, clamping both inputs to the
// tabulated range.
func (h *horizonTable) hosts(degree int, ttl uint8) int64 {
	if degree < 1 {
		degree = 1
	}
	if degree > maxDegree {
		degree = maxDegree
	}
	if ttl < 1 {
		ttl = 1
	}
	if ttl > message.MaxTTL {
		ttl = message.MaxTTL
	}
	return h[degree-1][ttl-1]
}
