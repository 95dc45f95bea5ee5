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
	"fmt"
	"os"

	"github.com/klauspost/cpuid/v2"
)

// backend is the raw Reed-Solomon kernel under the codecs. Both
// implementations build the identical systematic Vandermonde generator
// matrix, so their outputs are byte-identical; tests enforce that.
type backend interface {
	// Name identifies the backend.
	Name() string
	// Encode computes shards[k:k+m] from shards[0:k]. All slices must
	// be allocated and of one length.
	Encode(shards [][]byte) error
	// Reconstruct fills every nil entry of shards from any k present
	// ones.
	Reconstruct(shards [][]byte) error
}

// Backend names.
const (
	BackendAccelerated = "accelerated"
	BackendPortable    = "portable"
)

// defaultBackendName picks the kernel at process start: the assembler-
// accelerated backend on x86 parts with AVX2 or SSSE3, the portable
// table-driven one elsewhere. SHARDSTORE_EC_BACKEND overrides.
func defaultBackendName() string {
	if env := os.Getenv("SHARDSTORE_EC_BACKEND"); env != "" {
		return env
	}
	if cpuid.CPU.Supports(cpuid.AVX2) || cpuid.CPU.Supports(cpuid.SSSE3) {
		return BackendAccelerated
	}
	return BackendPortable
}

func newBackend(name string, k, m int) (backend, error) {
	switch name {
	case BackendAccelerated:
		return newAcceleratedBackend(k, m)
	case BackendPortable:
		return newPortableBackend(k, m)
	default:
		return nil, fmt.Errorf("ec: unknown backend %q", name)
	}
}
