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
	"bytes"
	"math/rand"
	"testing"
)

func randomData(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func cloneShards(shards [][]byte) [][]byte {
	out := make([][]byte, len(shards))
	for i, s := range shards {
		if s != nil {
			out[i] = append([]byte(nil), s...)
		}
	}
	return out
}

func TestMDSRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	cases := []struct{ k, m int }{
		{2, 1}, {4, 2}, {6, 3}, {10, 4}, {1, 1},
	}
	for _, backendName := range []string{BackendPortable, BackendAccelerated} {
		for _, tc := range cases {
			codec, err := NewCodecWithBackend(Params{Type: TypeMDS, K: tc.k, M: tc.m}, backendName)
			if err != nil {
				t.Fatalf("codec %d+%d (%s): %v", tc.k, tc.m, backendName, err)
			}
			for _, size := range []int{1, 11, 64, 1000, 4096, 100003} {
				payload := randomData(r, size)
				shards, err := codec.Encode(Split(payload, tc.k))
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				// Erase up to m random positions, many patterns.
				for trial := 0; trial < 20; trial++ {
					damaged := cloneShards(shards)
					erased := r.Intn(tc.m + 1)
					for i := 0; i < erased; i++ {
						damaged[r.Intn(len(damaged))] = nil
					}
					if err := codec.Decode(damaged); err != nil {
						t.Fatalf("decode %d+%d size=%d trial=%d: %v", tc.k, tc.m, size, trial, err)
					}
					if got := Join(damaged[:tc.k], int64(size)); !bytes.Equal(got, payload) {
						t.Fatalf("round-trip mismatch %d+%d size=%d", tc.k, tc.m, size)
					}
				}
			}
		}
	}
}

func TestMDSInsufficientShards(t *testing.T) {
	codec, err := NewCodecWithBackend(Params{Type: TypeMDS, K: 4, M: 2}, BackendPortable)
	if err != nil {
		t.Fatal(err)
	}
	shards, err := codec.Encode(Split([]byte("insufficient shard test payload"), 4))
	if err != nil {
		t.Fatal(err)
	}
	damaged := cloneShards(shards)
	damaged[0], damaged[1], damaged[2] = nil, nil, nil // only 3 of 6 left
	err = codec.Decode(damaged)
	ie, ok := err.(*InsufficientShardsError)
	if !ok {
		t.Fatalf("expected InsufficientShardsError, got %v", err)
	}
	if ie.Available != 3 || ie.Required != 4 {
		t.Fatalf("unexpected counts: %+v", ie)
	}
}

// TestBackendEquivalence fuzzes both backends against the same inputs
// and requires byte-identical shards.
func TestBackendEquivalence(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for trial := 0; trial < 50; trial++ {
		k := 1 + r.Intn(10)
		m := 1 + r.Intn(5)
		p := Params{Type: TypeMDS, K: k, M: m}
		portable, err := NewCodecWithBackend(p, BackendPortable)
		if err != nil {
			t.Fatal(err)
		}
		accel, err := NewCodecWithBackend(p, BackendAccelerated)
		if err != nil {
			t.Fatal(err)
		}
		payload := randomData(r, 1+r.Intn(10000))
		a, err := portable.Encode(Split(payload, k))
		if err != nil {
			t.Fatal(err)
		}
		b, err := accel.Encode(Split(payload, k))
		if err != nil {
			t.Fatal(err)
		}
		for i := range a {
			if !bytes.Equal(a[i], b[i]) {
				t.Fatalf("trial %d: %d+%d shard %d differs between backends", trial, k, m, i)
			}
		}
	}
}

func TestLRCRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	p := Params{Type: TypeLRC, K: 6, L: 2, G: 2}
	codec, err := NewCodec(p)
	if err != nil {
		t.Fatal(err)
	}
	payload := randomData(r, 7777)
	shards, err := codec.Encode(Split(payload, p.K))
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 10 {
		t.Fatalf("expected 10 shards, got %d", len(shards))
	}

	// Any two erased positions must decode (two globals worth of
	// redundancy plus local parities).
	for a := 0; a < len(shards); a++ {
		for b := a + 1; b < len(shards); b++ {
			damaged := cloneShards(shards)
			damaged[a], damaged[b] = nil, nil
			if err := codec.Decode(damaged); err != nil {
				t.Fatalf("decode with %d,%d erased: %v", a, b, err)
			}
			if got := Join(damaged[:p.K], int64(len(payload))); !bytes.Equal(got, payload) {
				t.Fatalf("mismatch with %d,%d erased", a, b)
			}
			for i := range shards {
				if !bytes.Equal(damaged[i], shards[i]) {
					t.Fatalf("reconstructed shard %d differs (erased %d,%d)", i, a, b)
				}
			}
		}
	}
}

// TestLRCLocalRecovery verifies the single-shard group XOR path
// produces the same bytes as a full decode while touching only the
// group's members.
func TestLRCLocalRecovery(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	p := Params{Type: TypeLRC, K: 6, L: 2, G: 2}
	codec, err := NewCodec(p)
	if err != nil {
		t.Fatal(err)
	}
	payload := randomData(r, 9000)
	shards, err := codec.Encode(Split(payload, p.K))
	if err != nil {
		t.Fatal(err)
	}

	// Position 1 is data in group 0: members 0,1,2 and LP at 6.
	missing := 1
	present := make([][]byte, len(shards))
	for _, pos := range []int{0, 2, 6} {
		present[pos] = shards[pos]
	}
	got, err := codec.TryLocalRecovery(present, missing)
	if err != nil {
		t.Fatalf("local recovery: %v", err)
	}
	if !bytes.Equal(got, shards[missing]) {
		t.Fatal("local recovery bytes differ from original shard")
	}

	// Two missing members in one group: not locally recoverable.
	present[0] = nil
	if _, err := codec.TryLocalRecovery(present, missing); err != ErrNotLocallyRecoverable {
		t.Fatalf("expected ErrNotLocallyRecoverable, got %v", err)
	}

	// Global parity has no local group.
	if _, err := codec.TryLocalRecovery(shards, 9); err != ErrNotLocallyRecoverable {
		t.Fatalf("expected ErrNotLocallyRecoverable for global parity, got %v", err)
	}
}

func TestReplication(t *testing.T) {
	p := Params{Type: TypeReplication, K: 1, M: 2}
	codec, err := NewCodec(p)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("replicated three ways")
	shards, err := codec.Encode(Split(payload, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 3 {
		t.Fatalf("expected 3 replicas, got %d", len(shards))
	}
	for i := 1; i < 3; i++ {
		if !bytes.Equal(shards[0], shards[i]) {
			t.Fatal("replicas differ")
		}
	}
	damaged := cloneShards(shards)
	damaged[0], damaged[2] = nil, nil
	if err := codec.Decode(damaged); err != nil {
		t.Fatal(err)
	}
	if got := Join(damaged[:1], int64(len(payload))); !bytes.Equal(got, payload) {
		t.Fatal("replication decode mismatch")
	}
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		p  Params
		ok bool
	}{
		{Params{Type: TypeMDS, K: 4, M: 2}, true},
		{Params{Type: TypeMDS, K: 0, M: 2}, false},
		{Params{Type: TypeMDS, K: 200, M: 100}, false}, // > 255 total
		{Params{Type: TypeLRC, K: 6, L: 2, G: 2}, true},
		{Params{Type: TypeLRC, K: 7, L: 2, G: 2}, false}, // k % l != 0
		{Params{Type: TypeReplication, K: 1, M: 2}, true},
		{Params{Type: TypeReplication, K: 2, M: 2}, false},
	}
	for i, tc := range cases {
		err := tc.p.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d: unexpected error %v", i, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestShardKinds(t *testing.T) {
	p := Params{Type: TypeLRC, K: 6, L: 2, G: 2}
	wantKinds := []ShardKind{
		KindData, KindData, KindData, KindData, KindData, KindData,
		KindLocalParity, KindLocalParity,
		KindGlobalParity, KindGlobalParity,
	}
	for pos, want := range wantKinds {
		if got := p.Kind(pos); got != want {
			t.Fatalf("position %d: kind %v, want %v", pos, got, want)
		}
	}
	wantGroups := []int{0, 0, 0, 1, 1, 1, 0, 1, -1, -1}
	for pos, want := range wantGroups {
		if got := p.GroupOf(pos); got != want {
			t.Fatalf("position %d: group %d, want %d", pos, got, want)
		}
	}
}

func TestSplitJoin(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for _, size := range []int{0, 1, 11, 64, 65, 255, 256, 12345} {
		payload := randomData(r, size)
		shards := Split(payload, 4)
		if len(shards) != 4 {
			t.Fatalf("size %d: %d shards", size, len(shards))
		}
		for i := 1; i < 4; i++ {
			if len(shards[i]) != len(shards[0]) {
				t.Fatalf("size %d: unequal shard lengths", size)
			}
		}
		if len(shards[0])%ShardAlignment != 0 {
			t.Fatalf("size %d: shard length %d not aligned", size, len(shards[0]))
		}
		if got := Join(shards, int64(size)); !bytes.Equal(got, payload) {
			t.Fatalf("size %d: join mismatch", size)
		}
	}
}
