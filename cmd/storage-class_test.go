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
	"testing"

	"github.com/shardstore/shardstore/internal/ec"
	"github.com/shardstore/shardstore/internal/hrw"
)

func TestParseStorageClass(t *testing.T) {
	cases := []struct {
		spec   string
		want   ec.Params
		domain hrw.Level
		quorum int
		ok     bool
	}{
		{"MDS:4+2", ec.Params{Type: ec.TypeMDS, K: 4, M: 2}, hrw.LevelNode, 4, true},
		{"MDS:4+2@rack", ec.Params{Type: ec.TypeMDS, K: 4, M: 2}, hrw.LevelRack, 4, true},
		{"LRC:6+2+2@datacenter", ec.Params{Type: ec.TypeLRC, K: 6, L: 2, G: 2}, hrw.LevelDatacenter, 6, true},
		{"REP:3", ec.Params{Type: ec.TypeReplication, K: 1, M: 2}, hrw.LevelNode, 1, true},
		{"MDS:4", ec.Params{}, 0, 0, false},
		{"LRC:7+2+2", ec.Params{}, 0, 0, false},
		{"XXX:4+2", ec.Params{}, 0, 0, false},
		{"MDS:4+2@galaxy", ec.Params{}, 0, 0, false},
		{"plain", ec.Params{}, 0, 0, false},
	}
	for _, tc := range cases {
		sc, err := parseStorageClass("t", tc.spec)
		if !tc.ok {
			if err == nil {
				t.Fatalf("%q: expected error", tc.spec)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.spec, err)
		}
		if sc.Protection != tc.want {
			t.Fatalf("%q: params %+v, want %+v", tc.spec, sc.Protection, tc.want)
		}
		if sc.FailureDomain != tc.domain {
			t.Fatalf("%q: domain %v, want %v", tc.spec, sc.FailureDomain, tc.domain)
		}
		if got := sc.WriteQuorum(); got != tc.quorum {
			t.Fatalf("%q: quorum %d, want %d", tc.spec, got, tc.quorum)
		}
	}
}
