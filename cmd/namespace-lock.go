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
	"sync"

	"github.com/google/uuid"
)

// nsParam identifies a shard for fine-grained locking: operations on
// distinct triples run in parallel, operations on one triple serialize.
type nsParam struct {
	objectID uuid.UUID
	stripeID uint64
	position uint8
}

func (p nsParam) String() string {
	return fmt.Sprintf("%s/%d/%d", p.objectID, p.stripeID, p.position)
}

// nsLock is one reference-counted lock.
type nsLock struct {
	mu  sync.Mutex
	ref int
}

// nsLockMap hands out per-triple locks, dropping entries when the last
// holder releases.
type nsLockMap struct {
	mu    sync.Mutex
	locks map[nsParam]*nsLock
}

func newNSLockMap() *nsLockMap {
	return &nsLockMap{locks: make(map[nsParam]*nsLock)}
}

// Lock acquires the triple's lock, blocking behind other holders.
func (m *nsLockMap) Lock(p nsParam) {
	m.mu.Lock()
	l, ok := m.locks[p]
	if !ok {
		l = &nsLock{}
		m.locks[p] = l
	}
	l.ref++
	m.mu.Unlock()
	l.mu.Lock()
}

// Unlock releases the triple's lock.
func (m *nsLockMap) Unlock(p nsParam) {
	m.mu.Lock()
	l, ok := m.locks[p]
	if ok {
		l.ref--
		if l.ref == 0 {
			delete(m.locks, p)
		}
	}
	m.mu.Unlock()
	if ok {
		l.mu.Unlock()
	}
}
