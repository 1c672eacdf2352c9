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

// Package message holds the overlay search message primitives used by the
// dynamic query engine: message identifiers, the immutable query template
// with its per-TTL wire cache, and query hash vectors.
package message

import (
	"encoding/hex"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
)

// MUIDLen is the length of a message identifier on the wire.
const MUIDLen = 16

// MUID is the unique identifier of a message on the overlay. Every query
// issuance gets a fresh one; hits quote it back.
type MUID [MUIDLen]byte

// NewMUID returns a fresh random message identifier.
func NewMUID() MUID {
	return MUID(uuid.New())
}

// MUIDFromBytes converts a wire slice into a MUID. Short input yields a
// zero-padded identifier.
func MUIDFromBytes(b []byte) MUID {
	var m MUID
	copy(m[:], b)
	return m
}

// IsZero reports whether the identifier is all zeroes.
func (m MUID) IsZero() bool {
	return m == MUID{}
}

// String returns the full hex form.
func (m MUID) String() string {
	return hex.EncodeToString(m[:])
}

// Short returns an abbreviated hex form for log output.
func (m MUID) Short() string {
	return hex.EncodeToString(m[:4])
}

// HashVector summarises the keywords and URN of a query for QRP admission
// checks. It is computed once per query and handed to neighbour QRP
// predicates unchanged.
type HashVector struct {
	Words []uint32
	URN   bool
}

// NewHashVector hashes the given keywords. urn marks an exact-resource
// query, which search targets far more selectively.
func NewHashVector(keywords []string, urn bool) HashVector {
	hv := HashVector{URN: urn}
	for _, w := range keywords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		hv.Words = append(hv.Words, hashWord(w))
	}
	return hv
}

// Empty reports whether the vector carries neither keywords nor a URN.
func (hv HashVector) Empty() bool {
	return len(hv.Words) == 0 && !hv.URN
}

func hashWord(w string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(w))
	return h.Sum32()
}
