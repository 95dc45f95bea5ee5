// Copyright (c) 2024-2026 Shardstore, Inc.
//
// This file is part of Shardstore Object Storage stack
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package ec implements the erasure codecs of the storage engine:
// Reed-Solomon MDS codes, Locally Repairable Codes and plain
// replication, all over GF(2^8).
//
// Shard positions are laid out flat: data shards occupy [0, k), local
// parities [k, k+l) (LRC only), and global parities fill the remainder.
// The data shard at position p belongs to local group p/groupSize.
package ec

import (
	"errors"
	"fmt"
)

// Type selects the erasure family of a stripe.
type Type uint8

// Erasure types.
const (
	TypeMDS Type = iota + 1
	TypeLRC
	TypeReplication
)

func (t Type) String() string {
	switch t {
	case TypeMDS:
		return "MDS"
	case TypeLRC:
		return "LRC"
	case TypeReplication:
		return "Replication"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ShardKind classifies a shard position.
type ShardKind uint8

// Shard kinds.
const (
	KindData ShardKind = iota + 1
	KindLocalParity
	KindGlobalParity
	KindReplica
)

// ShardAlignment is the byte multiple every shard length is rounded up
// to; SIMD kernels in both backends want it.
const ShardAlignment = 64

// maxShards is the GF(2^8) field limit on total shard count.
const maxShards = 255

// Params describes a codec configuration.
type Params struct {
	Type Type
	K    int // data shards
	M    int // parity shards (MDS), replicas-1 (Replication)
	L    int // local parity shards (LRC)
	G    int // global parity shards (LRC)
}

// Total returns the total shard count.
func (p Params) Total() int {
	switch p.Type {
	case TypeLRC:
		return p.K + p.L + p.G
	default:
		return p.K + p.M
	}
}

// GroupSize returns the data shards per local group (LRC).
func (p Params) GroupSize() int {
	if p.Type != TypeLRC || p.L == 0 {
		return 0
	}
	return p.K / p.L
}

// Kind returns the kind of the shard at the given position.
func (p Params) Kind(position int) ShardKind {
	switch p.Type {
	case TypeReplication:
		return KindReplica
	case TypeLRC:
		switch {
		case position < p.K:
			return KindData
		case position < p.K+p.L:
			return KindLocalParity
		default:
			return KindGlobalParity
		}
	default:
		if position < p.K {
			return KindData
		}
		return KindGlobalParity
	}
}

// GroupOf returns the local group covering the shard at position, or -1
// when the position is not group-local (global parity, or non-LRC).
func (p Params) GroupOf(position int) int {
	if p.Type != TypeLRC {
		return -1
	}
	gs := p.GroupSize()
	if position < p.K {
		return position / gs
	}
	if position < p.K+p.L {
		return position - p.K
	}
	return -1
}

// Validate checks the parameter set against the field and layout limits.
func (p Params) Validate() error {
	switch p.Type {
	case TypeMDS:
		if p.K <= 0 || p.M <= 0 {
			return &BadParamsError{p, "k and m must be positive"}
		}
	case TypeLRC:
		if p.K <= 0 || p.L <= 0 || p.G <= 0 {
			return &BadParamsError{p, "k, l and g must be positive"}
		}
		if p.K%p.L != 0 {
			return &BadParamsError{p, "k must be divisible by l"}
		}
	case TypeReplication:
		if p.K != 1 || p.M < 0 {
			return &BadParamsError{p, "replication requires k=1"}
		}
		if p.Total() < 1 {
			return &BadParamsError{p, "at least one replica required"}
		}
	default:
		return &BadParamsError{p, "unknown erasure type"}
	}
	if p.Total() > maxShards {
		return &BadParamsError{p, "total shards exceed GF(2^8) limit of 255"}
	}
	return nil
}

// BadParamsError reports an invalid codec configuration.
type BadParamsError struct {
	Params Params
	Reason string
}

func (e *BadParamsError) Error() string {
	return fmt.Sprintf("ec: invalid parameters %+v: %s", e.Params, e.Reason)
}

// InsufficientShardsError reports a decode attempt without a
// recoverable shard subset.
type InsufficientShardsError struct {
	Available int
	Required  int
}

func (e *InsufficientShardsError) Error() string {
	return fmt.Sprintf("ec: insufficient shards: have %d, need %d", e.Available, e.Required)
}

// ErrNotLocallyRecoverable is returned by TryLocalRecovery when the
// missing position's group is not fully present.
var ErrNotLocallyRecoverable = errors.New("ec: shard not locally recoverable")

// errShardSize is returned when input shards disagree on length.
var errShardSize = errors.New("ec: shards must share one non-zero length")

// Codec transforms k data shards into the full shard set and back.
// Implementations are safe for concurrent use.
type Codec interface {
	// Encode fills and returns the full shard set for the given k data
	// shards. The returned slice aliases the input data shards.
	Encode(data [][]byte) ([][]byte, error)

	// Decode reconstructs every nil entry of shards in place. Non-nil
	// entries are trusted (the caller verifies checksums first).
	Decode(shards [][]byte) error

	// TryLocalRecovery recomputes the shard at the missing position
	// from its local group alone. Only meaningful for LRC.
	TryLocalRecovery(shards [][]byte, missing int) ([]byte, error)

	// Parameters returns the configuration.
	Parameters() Params
}

// NewCodec builds a codec for the parameter set using the
// process-selected backend.
func NewCodec(p Params) (Codec, error) {
	return newCodecWithBackend(p, defaultBackendName())
}

// NewCodecWithBackend builds a codec forcing a specific backend
// ("accelerated" or "portable"). Tests use it to cross-check backends.
func NewCodecWithBackend(p Params, backendName string) (Codec, error) {
	return newCodecWithBackend(p, backendName)
}

func newCodecWithBackend(p Params, backendName string) (Codec, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Type {
	case TypeReplication:
		return &replicationCodec{params: p}, nil
	case TypeMDS:
		be, err := newBackend(backendName, p.K, p.M)
		if err != nil {
			return nil, err
		}
		return &mdsCodec{params: p, backend: be}, nil
	case TypeLRC:
		be, err := newBackend(backendName, p.K, p.G)
		if err != nil {
			return nil, err
		}
		return &lrcCodec{params: p, backend: be}, nil
	}
	return nil, &BadParamsError{p, "unknown erasure type"}
}

// ShardSize returns the per-shard byte length for a stripe holding
// logicalSize bytes under k data shards: ceil(logicalSize/k) rounded up
// to the shard alignment.
func ShardSize(logicalSize int64, k int) int {
	if logicalSize == 0 {
		return ShardAlignment
	}
	per := (logicalSize + int64(k) - 1) / int64(k)
	return int((per + ShardAlignment - 1) / ShardAlignment * ShardAlignment)
}

// Split copies stripe data into k equal shards of ShardSize bytes,
// zero-padding the tail.
func Split(data []byte, k int) [][]byte {
	size := ShardSize(int64(len(data)), k)
	shards := make([][]byte, k)
	for i := 0; i < k; i++ {
		shards[i] = make([]byte, size)
		lo := i * size
		if lo < len(data) {
			hi := lo + size
			if hi > len(data) {
				hi = len(data)
			}
			copy(shards[i], data[lo:hi])
		}
	}
	return shards
}

// Join concatenates data shards and trims to logicalSize.
func Join(shards [][]byte, logicalSize int64) []byte {
	out := make([]byte, 0, logicalSize)
	for _, s := range shards {
		out = append(out, s...)
		if int64(len(out)) >= logicalSize {
			break
		}
	}
	return out[:logicalSize]
}

func checkShardLengths(shards [][]byte) (int, error) {
	size := 0
	for _, s := range shards {
		if s == nil {
			continue
		}
		if size == 0 {
			size = len(s)
		}
		if len(s) == 0 || len(s) != size {
			return 0, errShardSize
		}
	}
	if size == 0 {
		return 0, errShardSize
	}
	return size, nil
}

func countPresent(shards [][]byte) int {
	n := 0
	for _, s := range shards {
		if s != nil {
			n++
		}
	}
	return n
}

func xorInto(dst []byte, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}
