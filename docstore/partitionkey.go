// SPDX-License-Identifier: MIT

// Package docstore is the client for the Atlas document database: item CRUD,
// continuation-token queries, partition key routing and multi-region endpoint
// failover.
package docstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// PartitionKey is a single-value partition key. Use the typed constructors so
// the hash stays stable across clients.
type PartitionKey struct {
	kind  byte
	str   string
	num   float64
	truth bool
}

// type prefixes fed into the hash ahead of the value. Distinct prefixes keep
// "1" (string) and 1 (number) in different partitions.
const (
	pkNull   byte = 0x01
	pkBool   byte = 0x02
	pkNumber byte = 0x03
	pkString byte = 0x04
)

// NullPartitionKey is the explicit null key.
var NullPartitionKey = PartitionKey{kind: pkNull}

// NewPartitionKeyString keys on a string value.
func NewPartitionKeyString(v string) PartitionKey {
	return PartitionKey{kind: pkString, str: v}
}

// NewPartitionKeyNumber keys on a numeric value.
func NewPartitionKeyNumber(v float64) PartitionKey {
	return PartitionKey{kind: pkNumber, num: v}
}

// NewPartitionKeyBool keys on a boolean value.
func NewPartitionKeyBool(v bool) PartitionKey {
	return PartitionKey{kind: pkBool, truth: v}
}

// EffectiveKey renders the routing form of the key: xxhash64 over the
// type-prefixed value, as zero-padded uppercase hex. The service compares
// these lexicographically, which matches numeric hash order at this width.
func (pk PartitionKey) EffectiveKey() string {
	var d xxhash.Digest
	d.Reset()
	_, _ = d.Write([]byte{pk.kind})
	switch pk.kind {
	case pkString:
		_, _ = d.WriteString(pk.str)
	case pkNumber:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(pk.num))
		_, _ = d.Write(buf[:])
	case pkBool:
		if pk.truth {
			_, _ = d.Write([]byte{1})
		} else {
			_, _ = d.Write([]byte{0})
		}
	}
	return fmt.Sprintf("%016X", d.Sum64())
}

// headerValue is what travels in the partition key header: the JSON-ish
// wire form of the raw value, used by the service for logging and indexing.
func (pk PartitionKey) headerValue() string {
	switch pk.kind {
	case pkString:
		return fmt.Sprintf("[%q]", pk.str)
	case pkNumber:
		return fmt.Sprintf("[%g]", pk.num)
	case pkBool:
		return fmt.Sprintf("[%t]", pk.truth)
	default:
		return "[null]"
	}
}

// PartitionRange is one physical partition's slice of the hash space.
// MinInclusive and MaxExclusive are effective keys as produced by
// EffectiveKey; ranges tile the space without gaps.
type PartitionRange struct {
	ID           string `json:"id"`
	MinInclusive string `json:"minInclusive"`
	MaxExclusive string `json:"maxExclusive"`
}

// rangeIndex answers "which partition owns this effective key" over a sorted
// range list.
type rangeIndex struct {
	ranges []PartitionRange
}

func newRangeIndex(ranges []PartitionRange) *rangeIndex {
	sorted := make([]PartitionRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinInclusive < sorted[j].MinInclusive
	})
	return &rangeIndex{ranges: sorted}
}

// Owner returns the range containing the effective key, or false when the
// key falls outside every range (a stale topology).
func (ri *rangeIndex) Owner(effectiveKey string) (PartitionRange, bool) {
	n := sort.Search(len(ri.ranges), func(i int) bool {
		return ri.ranges[i].MinInclusive > effectiveKey
	})
	if n == 0 {
		return PartitionRange{}, false
	}
	candidate := ri.ranges[n-1]
	if effectiveKey >= candidate.MaxExclusive {
		return PartitionRange{}, false
	}
	return candidate, true
}
