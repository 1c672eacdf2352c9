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
	"errors"
	"fmt"
)

// Overlay message header layout: 16 bytes MUID, then function, TTL and hops
// bytes, then the payload length as a little-endian 32-bit integer.
const (
	HeaderLen = 23

	offFunction = 16
	offTTL      = 17
	offHops     = 18
	offLength   = 19
)

// FuncQuery is the function byte of a search message.
const FuncQuery = 0x80

// MaxTTL is the highest TTL a query is ever re-emitted with. The per-TTL
// wire cache is sized accordingly.
const MaxTTL = 5

// Query flag bits, carried in the leading 16 bits of the search payload.
// FlagMask signals that the field is to be interpreted bitwise at all.
const (
	FlagMask       uint16 = 1 << 15
	FlagFirewalled uint16 = 1 << 14 // originator cannot accept inbound connections
	FlagXMLMeta    uint16 = 1 << 13
	FlagLeafGuided uint16 = 1 << 12 // originator answers query status requests
	FlagGGEP       uint16 = 1 << 11
	FlagOOB        uint16 = 1 << 10 // originator wants hits out of band
	FlagFWTransfer uint16 = 1 << 9  // originator supports firewall-to-firewall transfers
)

var (
	ErrShortMessage  = errors.New("message: truncated search message")
	ErrBadFunction   = errors.New("message: not a search message")
	ErrBadLength     = errors.New("message: payload length mismatch")
	ErrNoTerminator  = errors.New("message: unterminated search text")
	ErrEmptyQuery    = errors.New("message: empty search text and no extensions")
	ErrTTLOutOfRange = errors.New("message: TTL out of range")
)

// Template is the immutable parsed form of a search message. It keeps the
// verbatim wire image around so the query can be re-emitted at any TTL: the
// outgoing message is the original payload with only the header TTL byte
// rewritten. One serialised copy per TTL is cached for the lifetime of the
// owning query.
type Template struct {
	muid   MUID
	ttl    uint8
	hops   uint8
	flags  uint16
	search string
	ext    []byte

	raw  []byte
	wire [MaxTTL][]byte
}

// ParseTemplate validates a raw search message and wraps it as a template.
// The input buffer is retained; callers must not modify it afterwards.
func ParseTemplate(raw []byte) (*Template, error) {
	if len(raw) < HeaderLen+2 {
		return nil, ErrShortMessage
	}
	if raw[offFunction] != FuncQuery {
		return nil, fmt.Errorf("%w: function %#x", ErrBadFunction, raw[offFunction])
	}
	plen := binary.LittleEndian.Uint32(raw[offLength:])
	if int(plen) != len(raw)-HeaderLen {
		return nil, fmt.Errorf("%w: header says %d, have %d", ErrBadLength, plen, len(raw)-HeaderLen)
	}
	if raw[offTTL] == 0 {
		return nil, ErrTTLOutOfRange
	}

	payload := raw[HeaderLen:]
	flags := binary.LittleEndian.Uint16(payload)
	if flags&FlagMask == 0 {
		flags = 0 // legacy speed field, no flag semantics
	}
	nul := -1
	for i := 2; i < len(payload); i++ {
		if payload[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return nil, ErrNoTerminator
	}
	search := string(payload[2:nul])
	ext := payload[nul+1:]
	if search == "" && len(ext) == 0 {
		return nil, ErrEmptyQuery
	}

	return &Template{
		muid:   MUIDFromBytes(raw),
		ttl:    raw[offTTL],
		hops:   raw[offHops],
		flags:  flags,
		search: search,
		ext:    ext,
		raw:    raw,
	}, nil
}

// BuildTemplate assembles a search message from parts. Used for locally
// issued queries; remote ones arrive pre-serialised and go through
// ParseTemplate.
func BuildTemplate(muid MUID, ttl uint8, flags uint16, search string, ext []byte) (*Template, error) {
	if ttl == 0 || ttl > MaxTTL {
		return nil, ErrTTLOutOfRange
	}
	if search == "" && len(ext) == 0 {
		return nil, ErrEmptyQuery
	}
	if flags != 0 {
		flags |= FlagMask
	}
	plen := 2 + len(search) + 1 + len(ext)
	raw := make([]byte, HeaderLen+plen)
	copy(raw, muid[:])
	raw[offFunction] = FuncQuery
	raw[offTTL] = ttl
	raw[offHops] = 0
	binary.LittleEndian.PutUint32(raw[offLength:], uint32(plen))
	binary.LittleEndian.PutUint16(raw[HeaderLen:], flags)
	copy(raw[HeaderLen+2:], search)
	copy(raw[HeaderLen+2+len(search)+1:], ext)
	return ParseTemplate(raw)
}

// WithMUID returns a copy of the template re-issued under a different
// identifier, with an empty wire cache. Used when a proxy rewrites the MUID
// of a relayed query.
func (t *Template) WithMUID(m MUID) *Template {
	raw := make([]byte, len(t.raw))
	copy(raw, t.raw)
	copy(raw, m[:])
	nt := *t
	nt.muid = m
	nt.raw = raw
	nt.wire = [MaxTTL][]byte{}
	return &nt
}

// MUID returns the identifier the message was issued under.
func (t *Template) MUID() MUID { return t.muid }

// TTL returns the TTL the message arrived (or was built) with.
func (t *Template) TTL() uint8 { return t.ttl }

// Hops returns the hop count of the original message.
func (t *Template) Hops() uint8 { return t.hops }

// Flags returns the parsed query flag bits, zero for legacy queries.
func (t *Template) Flags() uint16 { return t.flags }

// SearchText returns the query string.
func (t *Template) SearchText() string { return t.search }

// WantsOOB reports whether the originator asked for out-of-band hit delivery.
func (t *Template) WantsOOB() bool { return t.flags&FlagOOB != 0 }

// Firewalled reports whether the originator flagged itself firewalled.
func (t *Template) Firewalled() bool { return t.flags&FlagFirewalled != 0 }

// FWTransfer reports whether the originator can do firewall-to-firewall
// transfers.
func (t *Template) FWTransfer() bool { return t.flags&FlagFWTransfer != 0 }

// LeafGuided reports whether the originator answers query status requests.
func (t *Template) LeafGuided() bool { return t.flags&FlagLeafGuided != 0 }

// Size returns the wire size of the message.
func (t *Template) Size() int { return len(t.raw) }

// Bytes returns the wire form of the message with the given TTL. The first
// request for each TTL serialises and caches the copy; later requests return
// the identical buffer. The TTL is clamped to [1, MaxTTL]. Callers must
// treat the result as read-only.
func (t *Template) Bytes(ttl uint8) []byte {
	if ttl < 1 {
		ttl = 1
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	if w := t.wire[ttl-1]; w != nil {
		return w
	}
	w := make([]byte, len(t.raw))
	copy(w, t.raw)
	w[offTTL] = ttl
	t.wire[ttl-1] = w
	return w
}
