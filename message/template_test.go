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

package message

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildParseRoundtrip(t *testing.T) {
	muid := NewMUID()
	tpl, err := BuildTemplate(muid, 4, FlagOOB|FlagLeafGuided, "blue oyster", []byte{0xc3, 0x01})
	require.NoError(t, err)

	require.Equal(t, muid, tpl.MUID())
	require.EqualValues(t, 4, tpl.TTL())
	require.EqualValues(t, 0, tpl.Hops())
	require.Equal(t, "blue oyster", tpl.SearchText())
	require.True(t, tpl.WantsOOB())
	require.True(t, tpl.LeafGuided())
	require.False(t, tpl.Firewalled())

	reparsed, err := ParseTemplate(tpl.Bytes(4))
	require.NoError(t, err)
	require.Equal(t, tpl.SearchText(), reparsed.SearchText())
	require.Equal(t, tpl.Flags(), reparsed.Flags())
}

func TestParseErrors(t *testing.T) {
	muid := NewMUID()
	good, err := BuildTemplate(muid, 3, 0, "song", nil)
	require.NoError(t, err)
	raw := good.Bytes(3)

	_, err = ParseTemplate(raw[:10])
	require.ErrorIs(t, err, ErrShortMessage)

	bad := append([]byte(nil), raw...)
	bad[offFunction] = 0x01
	_, err = ParseTemplate(bad)
	require.ErrorIs(t, err, ErrBadFunction)

	bad = append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(bad[offLength:], 999)
	_, err = ParseTemplate(bad)
	require.ErrorIs(t, err, ErrBadLength)

	bad = append([]byte(nil), raw...)
	bad[offTTL] = 0
	_, err = ParseTemplate(bad)
	require.ErrorIs(t, err, ErrTTLOutOfRange)

	// Strip the NUL terminator.
	bad = append([]byte(nil), raw[:len(raw)-1]...)
	binary.LittleEndian.PutUint32(bad[offLength:], uint32(len(bad)-HeaderLen))
	_, err = ParseTemplate(bad)
	require.ErrorIs(t, err, ErrNoTerminator)

	_, err = BuildTemplate(muid, 0, 0, "song", nil)
	require.ErrorIs(t, err, ErrTTLOutOfRange)
	_, err = BuildTemplate(muid, 3, 0, "", nil)
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestLegacySpeedField(t *testing.T) {
	muid := NewMUID()
	tpl, err := BuildTemplate(muid, 2, 0, "legacy", nil)
	require.NoError(t, err)

	// Without the mask bit the field carries no flag semantics.
	require.EqualValues(t, 0, tpl.Flags())
	require.False(t, tpl.WantsOOB())
	require.False(t, tpl.LeafGuided())
}

func TestBytesTTLRewrite(t *testing.T) {
	tpl, err := BuildTemplate(NewMUID(), 5, FlagFirewalled, "deep cuts", nil)
	require.NoError(t, err)

	for ttl := uint8(1); ttl <= MaxTTL; ttl++ {
		w := tpl.Bytes(ttl)
		require.EqualValues(t, ttl, w[offTTL], "TTL byte not rewritten")

		// Re-requesting the same TTL returns the identical cached buffer.
		again := tpl.Bytes(ttl)
		require.Same(t, &w[0], &again[0], "cache returned a different buffer")
	}

	// Any two TTL renditions differ exactly in the TTL byte.
	a, b := tpl.Bytes(2), tpl.Bytes(4)
	require.Equal(t, len(a), len(b))
	for i := range a {
		if i == offTTL {
			require.NotEqual(t, a[i], b[i])
			continue
		}
		require.Equal(t, a[i], b[i], "byte %d differs besides the TTL", i)
	}
}

func TestBytesClamping(t *testing.T) {
	tpl, err := BuildTemplate(NewMUID(), 3, 0, "edge", nil)
	require.NoError(t, err)

	require.EqualValues(t, 1, tpl.Bytes(0)[offTTL])
	require.EqualValues(t, MaxTTL, tpl.Bytes(MaxTTL+3)[offTTL])
}

func TestHashVector(t *testing.T) {
	hv := NewHashVector([]string{"Blue", " oyster ", ""}, false)
	require.Len(t, hv.Words, 2)
	require.False(t, hv.URN)
	require.False(t, hv.Empty())

	same := NewHashVector([]string{"blue", "oyster"}, false)
	require.Equal(t, same.Words, hv.Words, "hashing must be case-insensitive")

	require.True(t, NewHashVector(nil, false).Empty())
	require.False(t, NewHashVector(nil, true).Empty())
}
