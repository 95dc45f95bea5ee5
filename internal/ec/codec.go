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

// mdsCodec is plain Reed-Solomon: any k of k+m shards reconstruct.
type mdsCodec struct {
	params  Params
	backend backend
}

func (c *mdsCodec) Parameters() Params {
	return c.params
}

func (c *mdsCodec) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != c.params.K {
		return nil, &BadParamsError{c.params, "wrong data shard count"}
	}
	size, err := checkShardLengths(data)
	if err != nil {
		return nil, err
	}
	shards := make([][]byte, c.params.Total())
	copy(shards, data)
	for i := c.params.K; i < len(shards); i++ {
		shards[i] = make([]byte, size)
	}
	if err := c.backend.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

func (c *mdsCodec) Decode(shards [][]byte) error {
	if len(shards) != c.params.Total() {
		return &BadParamsError{c.params, "wrong shard count"}
	}
	return c.backend.Reconstruct(shards)
}

func (c *mdsCodec) TryLocalRecovery(shards [][]byte, missing int) ([]byte, error) {
	return nil, ErrNotLocallyRecoverable
}

// lrcCodec layers local XOR parities over a Reed-Solomon global code.
// Data shards are partitioned into l groups of k/l; each local parity
// is the XOR of its group; the g global parities are RS(k, g) parity
// over all data shards.
type lrcCodec struct {
	params  Params
	backend backend // RS(k, g) kernel
}

func (c *lrcCodec) Parameters() Params {
	return c.params
}

func (c *lrcCodec) Encode(data [][]byte) ([][]byte, error) {
	p := c.params
	if len(data) != p.K {
		return nil, &BadParamsError{p, "wrong data shard count"}
	}
	size, err := checkShardLengths(data)
	if err != nil {
		return nil, err
	}
	shards := make([][]byte, p.Total())
	copy(shards, data)

	// Local parities: XOR of each group.
	gs := p.GroupSize()
	for g := 0; g < p.L; g++ {
		lp := make([]byte, size)
		for i := g * gs; i < (g+1)*gs; i++ {
			xorInto(lp, data[i])
		}
		shards[p.K+g] = lp
	}

	// Global parities through the RS kernel.
	rsShards := make([][]byte, p.K+p.G)
	copy(rsShards, data)
	for i := 0; i < p.G; i++ {
		rsShards[p.K+i] = make([]byte, size)
	}
	if err := c.backend.Encode(rsShards); err != nil {
		return nil, err
	}
	for i := 0; i < p.G; i++ {
		shards[p.K+p.L+i] = rsShards[p.K+i]
	}
	return shards, nil
}

// Decode reconstructs missing shards with the cheapest available plan:
// local XOR recovery to a fixpoint first, then the global RS code, then
// local parity recompute.
func (c *lrcCodec) Decode(shards [][]byte) error {
	p := c.params
	if len(shards) != p.Total() {
		return &BadParamsError{p, "wrong shard count"}
	}
	size, err := checkShardLengths(shards)
	if err != nil {
		return err
	}

	// Phase 1: iterate single-missing-member group recovery.
	for progressing := true; progressing; {
		progressing = false
		for g := 0; g < p.L; g++ {
			members := groupMembers(p, g)
			missing := -1
			count := 0
			for _, pos := range members {
				if shards[pos] == nil {
					missing = pos
					count++
				}
			}
			if count != 1 {
				continue
			}
			out := make([]byte, size)
			for _, pos := range members {
				if pos != missing {
					xorInto(out, shards[pos])
				}
			}
			shards[missing] = out
			progressing = true
		}
	}

	// Phase 2: global RS over data + global parities.
	rsShards := make([][]byte, p.K+p.G)
	copy(rsShards, shards[:p.K])
	for i := 0; i < p.G; i++ {
		rsShards[p.K+i] = shards[p.K+p.L+i]
	}
	if countPresent(rsShards) < p.K {
		return &InsufficientShardsError{
			Available: countPresent(shards),
			Required:  p.K,
		}
	}
	if err := c.backend.Reconstruct(rsShards); err != nil {
		return err
	}
	copy(shards[:p.K], rsShards[:p.K])
	for i := 0; i < p.G; i++ {
		shards[p.K+p.L+i] = rsShards[p.K+i]
	}

	// Phase 3: any local parity still missing is an XOR away.
	gs := p.GroupSize()
	for g := 0; g < p.L; g++ {
		if shards[p.K+g] != nil {
			continue
		}
		lp := make([]byte, size)
		for i := g * gs; i < (g+1)*gs; i++ {
			xorInto(lp, shards[i])
		}
		shards[p.K+g] = lp
	}
	return nil
}

// TryLocalRecovery recovers the shard at missing from the other members
// of its local group. The repair path uses it to read group_size shards
// instead of k.
func (c *lrcCodec) TryLocalRecovery(shards [][]byte, missing int) ([]byte, error) {
	p := c.params
	if missing < 0 || missing >= p.Total() {
		return nil, ErrNotLocallyRecoverable
	}
	g := p.GroupOf(missing)
	if g < 0 {
		return nil, ErrNotLocallyRecoverable
	}
	size, err := checkShardLengths(shards)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	for _, pos := range groupMembers(p, g) {
		if pos == missing {
			continue
		}
		if shards[pos] == nil {
			return nil, ErrNotLocallyRecoverable
		}
		xorInto(out, shards[pos])
	}
	return out, nil
}

// groupMembers returns the positions (data + local parity) of group g.
func groupMembers(p Params, g int) []int {
	gs := p.GroupSize()
	members := make([]int, 0, gs+1)
	for i := g * gs; i < (g+1)*gs; i++ {
		members = append(members, i)
	}
	return append(members, p.K+g)
}

// replicationCodec stores n identical copies; any one reconstructs.
type replicationCodec struct {
	params Params
}

func (c *replicationCodec) Parameters() Params {
	return c.params
}

func (c *replicationCodec) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != 1 {
		return nil, &BadParamsError{c.params, "replication encodes one data shard"}
	}
	if _, err := checkShardLengths(data); err != nil {
		return nil, err
	}
	shards := make([][]byte, c.params.Total())
	shards[0] = data[0]
	for i := 1; i < len(shards); i++ {
		shards[i] = append([]byte(nil), data[0]...)
	}
	return shards, nil
}

func (c *replicationCodec) Decode(shards [][]byte) error {
	if len(shards) != c.params.Total() {
		return &BadParamsError{c.params, "wrong shard count"}
	}
	var src []byte
	for _, s := range shards {
		if s != nil {
			src = s
			break
		}
	}
	if src == nil {
		return &InsufficientShardsError{Available: 0, Required: 1}
	}
	for i, s := range shards {
		if s == nil {
			shards[i] = append([]byte(nil), src...)
		}
	}
	return nil
}

func (c *replicationCodec) TryLocalRecovery(shards [][]byte, missing int) ([]byte, error) {
	return nil, ErrNotLocallyRecoverable
}
