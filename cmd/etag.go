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
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
)

// etagBuilder accumulates the S3-compatible ETag while stripes stream
// through the gateway: plain payload MD5 for single-stripe objects,
// the composite "md5-of-stripe-md5s-dashN" form for multi-stripe ones.
type etagBuilder struct {
	current    hash.Hash
	stripeSums [][]byte
}

func newETagBuilder() *etagBuilder {
	return &etagBuilder{current: md5.New()}
}

// writeStripe feeds one stripe's logical payload.
func (b *etagBuilder) writeStripe(payload []byte) {
	h := md5.New()
	h.Write(payload)
	b.stripeSums = append(b.stripeSums, h.Sum(nil))
	b.current.Write(payload)
}

// finish returns the ETag for the accumulated stripes.
func (b *etagBuilder) finish() string {
	if len(b.stripeSums) <= 1 {
		return hex.EncodeToString(b.current.Sum(nil))
	}
	outer := md5.New()
	for _, sum := range b.stripeSums {
		outer.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(outer.Sum(nil)), len(b.stripeSums))
}
