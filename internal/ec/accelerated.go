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

package ec

import (
	"github.com/klauspost/reedsolomon"
)

// acceleratedBackend wraps the assembler-optimized Reed-Solomon kernel.
// Its generator matrix is the systematic Vandermonde construction, the
// same one portableBackend builds by hand.
type acceleratedBackend struct {
	rs reedsolomon.Encoder
	k  int
	m  int
}

func newAcceleratedBackend(k, m int) (backend, error) {
	rs, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, err
	}
	return &acceleratedBackend{rs: rs, k: k, m: m}, nil
}

func (b *acceleratedBackend) Name() string {
	return BackendAccelerated
}

func (b *acceleratedBackend) Encode(shards [][]byte) error {
	return b.rs.Encode(shards)
}

func (b *acceleratedBackend) Reconstruct(shards [][]byte) error {
	err := b.rs.Reconstruct(shards)
	if err == reedsolomon.ErrTooFewShards {
		return &InsufficientShardsError{Available: countPresent(shards), Required: b.k}
	}
	return err
}
