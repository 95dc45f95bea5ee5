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
	"errors"
	"fmt"
)

// portableBackend is the table-driven GF(2^8) Reed-Solomon kernel. It
// works on every architecture and serves as the reference for the
// accelerated backend: both derive the generator matrix the same way
// (Vandermonde rows normalized to a systematic code), so encode output
// is byte-identical between them.
type portableBackend struct {
	k      int
	m      int
	matrix gfMatrix // (k+m) x k generator, top k rows identity
}

// GF(2^8) arithmetic with the 0x11D reduction polynomial, the field
// used by ISA-L and the accelerated kernel.
const gfPoly = 0x11D

var (
	gfExp [512]byte // doubled to skip the mod 255 on multiply
	gfLog [256]byte
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = byte(i)
		x <<= 1
		if x&0x100 != 0 {
			x ^= gfPoly
		}
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	if b == 0 {
		panic("ec: divide by zero in GF(2^8)")
	}
	logDiff := int(gfLog[a]) - int(gfLog[b])
	if logDiff < 0 {
		logDiff += 255
	}
	return gfExp[logDiff]
}

// gfExpPow returns base**n in the field.
func gfExpPow(base byte, n int) byte {
	if n == 0 {
		return 1
	}
	if base == 0 {
		return 0
	}
	logResult := int(gfLog[base]) * n % 255
	return gfExp[logResult]
}

// gfMatrix is a dense byte matrix.
type gfMatrix [][]byte

func newGFMatrix(rows, cols int) gfMatrix {
	m := make(gfMatrix, rows)
	for i := range m {
		m[i] = make([]byte, cols)
	}
	return m
}

func identityMatrix(n int) gfMatrix {
	m := newGFMatrix(n, n)
	for i := 0; i < n; i++ {
		m[i][i] = 1
	}
	return m
}

// vandermonde builds the rows x cols matrix with m[r][c] = r**c.
func vandermonde(rows, cols int) gfMatrix {
	m := newGFMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m[r][c] = gfExpPow(byte(r), c)
		}
	}
	return m
}

func (m gfMatrix) mul(right gfMatrix) gfMatrix {
	rows, inner, cols := len(m), len(right), len(right[0])
	out := newGFMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var v byte
			for i := 0; i < inner; i++ {
				v ^= gfMul(m[r][i], right[i][c])
			}
			out[r][c] = v
		}
	}
	return out
}

func (m gfMatrix) subMatrix(rows []int) gfMatrix {
	out := make(gfMatrix, len(rows))
	for i, r := range rows {
		out[i] = m[r]
	}
	return out
}

var errSingular = errors.New("ec: generator submatrix is singular")

// invert returns the inverse via Gauss-Jordan elimination.
func (m gfMatrix) invert() (gfMatrix, error) {
	n := len(m)
	work := newGFMatrix(n, 2*n)
	for i := 0; i < n; i++ {
		copy(work[i], m[i])
		work[i][n+i] = 1
	}
	for col := 0; col < n; col++ {
		pivot := -1
		for r := col; r < n; r++ {
			if work[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot < 0 {
			return nil, errSingular
		}
		work[col], work[pivot] = work[pivot], work[col]
		if d := work[col][col]; d != 1 {
			for c := 0; c < 2*n; c++ {
				work[col][c] = gfDiv(work[col][c], d)
			}
		}
		for r := 0; r < n; r++ {
			if r == col || work[r][col] == 0 {
				continue
			}
			f := work[r][col]
			for c := 0; c < 2*n; c++ {
				work[r][c] ^= gfMul(f, work[col][c])
			}
		}
	}
	out := make(gfMatrix, n)
	for i := range out {
		out[i] = work[i][n:]
	}
	return out, nil
}

// buildGeneratorMatrix returns the systematic (k+m) x k generator:
// a Vandermonde matrix right-multiplied by the inverse of its top
// square, leaving the top k rows as identity.
func buildGeneratorMatrix(k, m int) (gfMatrix, error) {
	vm := vandermonde(k+m, k)
	topInv, err := vm.subMatrixRange(0, k).invert()
	if err != nil {
		return nil, err
	}
	return vm.mul(topInv), nil
}

func (m gfMatrix) subMatrixRange(from, to int) gfMatrix {
	return m[from:to]
}

func newPortableBackend(k, m int) (backend, error) {
	matrix, err := buildGeneratorMatrix(k, m)
	if err != nil {
		return nil, fmt.Errorf("ec: building generator: %w", err)
	}
	return &portableBackend{k: k, m: m, matrix: matrix}, nil
}

func (b *portableBackend) Name() string {
	return BackendPortable
}

// codeSome multiplies matrixRows by the k input shards, writing one
// output shard per matrix row.
func codeSome(matrixRows gfMatrix, inputs [][]byte, outputs [][]byte) {
	for ri, row := range matrixRows {
		out := outputs[ri]
		for i := range out {
			out[i] = 0
		}
		for ci, in := range inputs {
			coef := row[ci]
			if coef == 0 {
				continue
			}
			if coef == 1 {
				xorInto(out, in)
				continue
			}
			// Table-sliced multiply-accumulate.
			logC := int(gfLog[coef])
			for i, v := range in {
				if v != 0 {
					out[i] ^= gfExp[logC+int(gfLog[v])]
				}
			}
		}
	}
}

func (b *portableBackend) Encode(shards [][]byte) error {
	if len(shards) != b.k+b.m {
		return fmt.Errorf("ec: encode wants %d shards, got %d", b.k+b.m, len(shards))
	}
	if _, err := checkShardLengths(shards); err != nil {
		return err
	}
	codeSome(b.matrix[b.k:], shards[:b.k], shards[b.k:])
	return nil
}

func (b *portableBackend) Reconstruct(shards [][]byte) error {
	if len(shards) != b.k+b.m {
		return fmt.Errorf("ec: reconstruct wants %d shards, got %d", b.k+b.m, len(shards))
	}
	size, err := checkShardLengths(shards)
	if err != nil {
		return err
	}
	present := countPresent(shards)
	if present == len(shards) {
		return nil
	}
	if present < b.k {
		return &InsufficientShardsError{Available: present, Required: b.k}
	}

	// Pick k present rows, preferring data rows for a cheaper inverse.
	rows := make([]int, 0, b.k)
	inputs := make([][]byte, 0, b.k)
	for i := 0; i < len(shards) && len(rows) < b.k; i++ {
		if shards[i] != nil {
			rows = append(rows, i)
			inputs = append(inputs, shards[i])
		}
	}
	decodeMatrix, err := b.matrix.subMatrix(rows).invert()
	if err != nil {
		return err
	}

	// Recover missing data shards.
	var outRows gfMatrix
	var outputs [][]byte
	missingData := []int{}
	for i := 0; i < b.k; i++ {
		if shards[i] == nil {
			missingData = append(missingData, i)
			outRows = append(outRows, decodeMatrix[i])
			buf := make([]byte, size)
			outputs = append(outputs, buf)
		}
	}
	codeSome(outRows, inputs, outputs)
	for i, pos := range missingData {
		shards[pos] = outputs[i]
	}

	// Re-encode missing parity from the now-complete data shards.
	outRows = outRows[:0]
	outputs = outputs[:0]
	missingParity := []int{}
	for i := b.k; i < len(shards); i++ {
		if shards[i] == nil {
			missingParity = append(missingParity, i)
			outRows = append(outRows, b.matrix[i])
			outputs = append(outputs, make([]byte, size))
		}
	}
	if len(missingParity) > 0 {
		codeSome(outRows, shards[:b.k], outputs)
		for i, pos := range missingParity {
			shards[pos] = outputs[i]
		}
	}
	return nil
}
