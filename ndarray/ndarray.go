// Copyright 2026 The Appose developers.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ndarray provides typed multi-dimensional views over shared
// memory segments, in the shape NumPy-style workers expect on the other
// side of an appose connection. An [NDArray] never copies: it is a dtype
// and a shape next to a [shm.SharedMemory] both processes map.
package ndarray

import (
	"fmt"

	"github.com/apposed/appose/shm"
)

// NDArray is a zero-copy typed multi-dimensional array view over a
// shared-memory segment. It does not take ownership of an existing
// segment passed to [Wrap]; Close closes the underlying segment either
// way.
type NDArray struct {
	dtype DType
	shape Shape
	mem   *shm.SharedMemory
}

// New allocates a fresh shared-memory segment sized for dtype and shape
// and returns the array view over it.
func New(dtype DType, shape Shape, opts ...shm.Option) (*NDArray, error) {
	size := byteLen(dtype, shape)
	if size < 0 {
		return nil, fmt.Errorf("cannot size ndarray of dtype %q and shape %v", dtype, shape)
	}
	mem, err := shm.Create(uint64(size), opts...)
	if err != nil {
		return nil, err
	}
	return &NDArray{dtype: dtype, shape: shape, mem: mem}, nil
}

// Wrap returns an array view over an existing segment. The segment must
// have been requested large enough for the given dtype and shape.
func Wrap(mem *shm.SharedMemory, dtype DType, shape Shape) (*NDArray, error) {
	size := byteLen(dtype, shape)
	if size < 0 {
		return nil, fmt.Errorf("cannot size ndarray of dtype %q and shape %v", dtype, shape)
	}
	if mem.RSize() < uint64(size) {
		return nil, fmt.Errorf("segment %q holds %d bytes, but dtype %q with shape %v needs %d",
			mem.Name(), mem.RSize(), dtype, shape, size)
	}
	return &NDArray{dtype: dtype, shape: shape, mem: mem}, nil
}

func byteLen(dtype DType, shape Shape) int64 {
	es := dtype.ElemSize()
	if es == 0 {
		return -1
	}
	for i := range shape.Len() {
		if shape.At(i) < 0 {
			return -1
		}
	}
	return shape.Elements() * int64(es)
}

// DType returns the element type.
func (a *NDArray) DType() DType { return a.dtype }

// Shape returns the array shape.
func (a *NDArray) Shape() Shape { return a.shape }

// SHM returns the backing shared-memory segment.
func (a *NDArray) SHM() *shm.SharedMemory { return a.mem }

// ByteLen returns the length of the array data in bytes, the product of
// the shape extents times the element size.
func (a *NDArray) ByteLen() int64 { return byteLen(a.dtype, a.shape) }

// Bytes returns the raw array data, limited to ByteLen even when the OS
// allocated a larger segment. It returns [shm.ErrClosed] after Close.
func (a *NDArray) Bytes() ([]byte, error) {
	data, err := a.mem.Bytes()
	if err != nil {
		return nil, err
	}
	return data[:a.ByteLen()], nil
}

// Close closes the underlying shared-memory segment.
func (a *NDArray) Close() error { return a.mem.Close() }

func (a *NDArray) String() string {
	return fmt.Sprintf("NDArray(dtype=%q, shape=%v, shm=%s)", a.dtype, a.shape, a.mem)
}
