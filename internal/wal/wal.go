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

// Package wal implements the append-only logs used by the OSD: a single
// writer goroutine serializes appends, assigns LSNs, and batches pending
// records into one write+flush (group commit). Callers block until
// their record is durable.
package wal

import (
	"context"
	"errors"
	"sync"

	"github.com/shardstore/shardstore/internal/format"
)

// Errors returned by the log.
var (
	ErrClosed = errors.New("wal: log closed")
	ErrFull   = errors.New("wal: log region full")
)

// Appender is the durable byte sink behind a Log.
type Appender interface {
	// Append buffers framed record bytes at the end of the log.
	Append(b []byte) error
	// Flush makes all appended bytes durable.
	Flush() error
	// Size returns the logical size of the log in bytes.
	Size() int64
	// Reset discards all contents.
	Reset() error
}

// maxGroup bounds how many pending appends are merged into one flush.
const maxGroup = 256

type appendReq struct {
	payload []byte
	done    chan appendRes
}

type appendRes struct {
	lsn uint64
	err error
}

type controlReq struct {
	reset   bool
	nextLSN uint64
	done    chan error
}

// Log is a group-committing write-ahead log.
type Log struct {
	magic uint32
	app   Appender

	reqs    chan appendReq
	control chan controlReq

	mu      sync.Mutex
	lastLSN uint64
	closed  bool
	wg      sync.WaitGroup
}

// NewLog starts the writer goroutine. nextLSN is the LSN the first
// appended record receives; recovery passes lastReplayed+1.
func NewLog(app Appender, magic uint32, nextLSN uint64) *Log {
	l := &Log{
		magic:   magic,
		app:     app,
		reqs:    make(chan appendReq, maxGroup),
		control: make(chan controlReq),
		lastLSN: nextLSN - 1,
	}
	l.wg.Add(1)
	go l.writer(nextLSN)
	return l
}

// Append frames payload, appends it and blocks until the record is
// durable. Returns the record's LSN.
func (l *Log) Append(ctx context.Context, payload []byte) (uint64, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	l.mu.Unlock()

	req := appendReq{payload: payload, done: make(chan appendRes, 1)}
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.lsn, res.err
	case <-ctx.Done():
		// The record may still land; the caller's transaction decides
		// visibility, not this ack.
		return 0, ctx.Err()
	}
}

// LastLSN returns the most recently assigned LSN.
func (l *Log) LastLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLSN
}

// Size returns the logical byte size of the log.
func (l *Log) Size() int64 {
	return l.app.Size()
}

// Reset truncates the log and restarts LSN assignment at nextLSN. Used
// after a snapshot or checkpoint has captured all prior records.
func (l *Log) Reset(nextLSN uint64) error {
	req := controlReq{reset: true, nextLSN: nextLSN, done: make(chan error, 1)}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()
	l.control <- req
	return <-req.done
}

// Close stops the writer. Pending appends are completed first.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.reqs)
	l.wg.Wait()
}

func (l *Log) writer(nextLSN uint64) {
	defer l.wg.Done()
	var (
		batch []appendReq
		buf   []byte
	)
	for {
		batch = batch[:0]
		select {
		case req, ok := <-l.reqs:
			if !ok {
				return
			}
			batch = append(batch, req)
		case ctl := <-l.control:
			ctl.done <- l.handleControl(ctl, &nextLSN)
			continue
		}
		// Drain whatever else is already queued, bounded.
	drain:
		for len(batch) < maxGroup {
			select {
			case req, ok := <-l.reqs:
				if !ok {
					break drain
				}
				batch = append(batch, req)
			default:
				break drain
			}
		}

		buf = buf[:0]
		first := nextLSN
		for _, req := range batch {
			buf = format.AppendRecord(buf, l.magic, nextLSN, req.payload)
			nextLSN++
		}
		err := l.app.Append(buf)
		if err == nil {
			err = l.app.Flush()
		}
		if err != nil {
			nextLSN = first // LSNs of failed records are reused
		}
		for i, req := range batch {
			if err != nil {
				req.done <- appendRes{err: err}
				continue
			}
			req.done <- appendRes{lsn: first + uint64(i)}
		}
		if err == nil {
			l.mu.Lock()
			l.lastLSN = nextLSN - 1
			l.mu.Unlock()
		}
	}
}

func (l *Log) handleControl(ctl controlReq, nextLSN *uint64) error {
	if !ctl.reset {
		return nil
	}
	if err := l.app.Reset(); err != nil {
		return err
	}
	*nextLSN = ctl.nextLSN
	l.mu.Lock()
	l.lastLSN = ctl.nextLSN - 1
	l.mu.Unlock()
	return nil
}
