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

package cmd

import (
	"context"
	"io"

	"github.com/shardstore/shardstore/internal/ec"
	"github.com/shardstore/shardstore/internal/format"
)

// hedgeBudget is the number of extra shard reads dispatched beyond k;
// the slowest in-flight reads are cancelled once k verify.
const hedgeBudget = 1

// byteRange is a half-open [Start, End) slice of an object.
type byteRange struct {
	Start int64
	End   int64
}

// GetObject streams the object (or the requested range) to the
// returned reader. Stripe order is preserved; bytes flow as soon as
// each stripe decodes.
func (g *gatewayEngine) GetObject(ctx context.Context, bucket, key string, rng *byteRange) (*ObjectMeta, io.ReadCloser, error) {
	om, _, err := g.lookupObject(ctx, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	want := byteRange{0, om.TotalSize}
	if rng != nil {
		want = *rng
		if want.End > om.TotalSize {
			want.End = om.TotalSize
		}
		if want.Start < 0 || want.Start > want.End {
			return nil, nil, errBadInput
		}
	}

	pr, pw := io.Pipe()
	go func() {
		offset := int64(0)
		for i := range om.Stripes {
			sm := &om.Stripes[i]
			stripeStart, stripeEnd := offset, offset+sm.LogicalDataSize
			offset = stripeEnd
			if stripeEnd <= want.Start || stripeStart >= want.End {
				continue
			}
			payload, err := g.readStripe(ctx, om, sm)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			lo := int64(0)
			if want.Start > stripeStart {
				lo = want.Start - stripeStart
			}
			hi := sm.LogicalDataSize
			if want.End < stripeEnd {
				hi = want.End - stripeStart
			}
			if _, err := pw.Write(payload[lo:hi]); err != nil {
				return
			}
		}
		pw.Close()
	}()
	return om, pr, nil
}

// shardReadResult is one ReadShard completion.
type shardReadResult struct {
	position int
	payload  []byte
	err      error
}

// readStripe fetches k verified shards (hedged, data positions first),
// decoding only when a data shard is missing or corrupt.
func (g *gatewayEngine) readStripe(ctx context.Context, om *ObjectMeta, sm *StripeMeta) ([]byte, error) {
	params := sm.Params()
	total := params.Total()
	need := params.K

	// Data positions first, then parity; tombstoned shards last.
	order := make([]int, 0, total)
	for _, loc := range sm.Shards {
		if !loc.Tombstone && params.Kind(loc.Position) == ec.KindData {
			order = append(order, loc.Position)
		}
	}
	for _, loc := range sm.Shards {
		if !loc.Tombstone && params.Kind(loc.Position) != ec.KindData {
			order = append(order, loc.Position)
		}
	}
	for _, loc := range sm.Shards {
		if loc.Tombstone {
			order = append(order, loc.Position)
		}
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan shardReadResult, total)
	dispatch := func(pos int) {
		loc := &sm.Shards[pos]
		go func() {
			payload, err := g.pool.get(loc.Addr).ReadShard(rctx, loc.DiskID, om.ObjectID, sm.StripeID, pos)
			if err == nil && loc.CRC32C != 0 && format.Checksum(payload) != loc.CRC32C {
				err = errCorruptShard
			}
			results <- shardReadResult{position: pos, payload: payload, err: err}
		}()
	}

	inflight := 0
	next := 0
	launch := need + hedgeBudget
	if launch > total {
		launch = total
	}
	for ; next < launch; next++ {
		dispatch(order[next])
		inflight++
	}

	shards := make([][]byte, total)
	verified := 0
	for verified < need {
		if inflight == 0 {
			return nil, &InsufficientShardsError{StripeID: sm.StripeID, Available: verified, Required: need}
		}
		var res shardReadResult
		select {
		case res = <-results:
		case <-ctx.Done():
			return nil, errTimeout
		}
		inflight--
		if res.err != nil {
			gwLog.WithError(res.err).WithFields(map[string]interface{}{
				"stripe": sm.StripeID, "position": res.position,
			}).Debug("shard read failed, trying parity")
			if next < total {
				dispatch(order[next])
				next++
				inflight++
			}
			continue
		}
		shards[res.position] = res.payload
		verified++
	}
	cancel() // hedged stragglers are no longer needed

	return assembleStripe(params, shards, sm.LogicalDataSize)
}

// assembleStripe turns k verified shards into the stripe payload,
// decoding when any data shard is absent.
func assembleStripe(params ec.Params, shards [][]byte, logicalSize int64) ([]byte, error) {
	if params.Type == ec.TypeReplication {
		for _, s := range shards {
			if s != nil {
				return s[:logicalSize], nil
			}
		}
		return nil, &InsufficientShardsError{Available: 0, Required: 1}
	}

	allData := true
	for i := 0; i < params.K; i++ {
		if shards[i] == nil {
			allData = false
			break
		}
	}
	if !allData {
		// Shard lengths must agree for the decoder; normalize the
		// present ones (replication of padding differences cannot
		// happen here since encode pads identically).
		codec, err := ec.NewCodec(params)
		if err != nil {
			return nil, err
		}
		if err := codec.Decode(shards); err != nil {
			if ie, ok := err.(*ec.InsufficientShardsError); ok {
				return nil, &InsufficientShardsError{Available: ie.Available, Required: ie.Required}
			}
			return nil, err
		}
	}
	return ec.Join(shards[:params.K], logicalSize), nil
}
