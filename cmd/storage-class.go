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
	"fmt"
	"strconv"
	"strings"

	"github.com/shardstore/shardstore/internal/ec"
	"github.com/shardstore/shardstore/internal/hrw"
)

// StorageClass names a protection scheme and the failure-domain level
// its shards must diverge at.
type StorageClass struct {
	Name          string    `json:"name"`
	Protection    ec.Params `json:"protection"`
	FailureDomain hrw.Level `json:"failure_domain"`
}

// PlacementSpec converts the class for the placement engine.
func (sc StorageClass) PlacementSpec() hrw.Spec {
	return hrw.Spec{
		TotalShards:   sc.Protection.Total(),
		FailureDomain: sc.FailureDomain,
	}
}

// WriteQuorum is the ack count that makes a stripe durable: k for
// erasure codes, one for replication.
func (sc StorageClass) WriteQuorum() int {
	if sc.Protection.Type == ec.TypeReplication {
		return 1
	}
	return sc.Protection.K
}

// parseStorageClass parses the configuration syntax
//
//	MDS:k+m            e.g. MDS:4+2
//	LRC:k+l+g          e.g. LRC:6+2+2
//	REP:n              e.g. REP:3
//
// followed by an optional "@level" failure-domain suffix (default
// node), e.g. "MDS:4+2@rack".
func parseStorageClass(name, spec string) (StorageClass, error) {
	sc := StorageClass{Name: name, FailureDomain: hrw.LevelNode}
	if at := strings.IndexByte(spec, '@'); at >= 0 {
		lvl, err := hrw.ParseLevel(spec[at+1:])
		if err != nil {
			return sc, err
		}
		sc.FailureDomain = lvl
		spec = spec[:at]
	}
	colon := strings.IndexByte(spec, ':')
	if colon < 0 {
		return sc, fmt.Errorf("storage class %q: missing scheme separator", spec)
	}
	scheme, rest := spec[:colon], spec[colon+1:]
	nums, err := parseInts(rest)
	if err != nil {
		return sc, fmt.Errorf("storage class %q: %v", spec, err)
	}
	switch strings.ToUpper(scheme) {
	case "MDS":
		if len(nums) != 2 {
			return sc, fmt.Errorf("storage class %q: MDS wants k+m", spec)
		}
		sc.Protection = ec.Params{Type: ec.TypeMDS, K: nums[0], M: nums[1]}
	case "LRC":
		if len(nums) != 3 {
			return sc, fmt.Errorf("storage class %q: LRC wants k+l+g", spec)
		}
		sc.Protection = ec.Params{Type: ec.TypeLRC, K: nums[0], L: nums[1], G: nums[2]}
	case "REP":
		if len(nums) != 1 {
			return sc, fmt.Errorf("storage class %q: REP wants n", spec)
		}
		sc.Protection = ec.Params{Type: ec.TypeReplication, K: 1, M: nums[0] - 1}
	default:
		return sc, fmt.Errorf("storage class %q: unknown scheme %q", spec, scheme)
	}
	if err := sc.Protection.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

func parseInts(s string) ([]int, error) {
	parts := strings.Split(s, "+")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}
