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

package ndarray

import "fmt"

// DType labels the element type of an [NDArray]. The labels are the exact
// strings exchanged on the wire and match NumPy's dtype names; element
// bytes are interpreted little-endian.
type DType string

const (
	Int8       DType = "int8"
	Int16      DType = "int16"
	Int32      DType = "int32"
	Int64      DType = "int64"
	Uint8      DType = "uint8"
	Uint16     DType = "uint16"
	Uint32     DType = "uint32"
	Uint64     DType = "uint64"
	Float32    DType = "float32"
	Float64    DType = "float64"
	Complex64  DType = "complex64"
	Complex128 DType = "complex128"
	Bool       DType = "bool"
)

// elemSizes enumerates the closed set of known dtypes together with their
// element sizes in bytes; the complex types are pairs of floats.
var elemSizes = map[DType]int{
	Int8:       1,
	Int16:      2,
	Int32:      4,
	Int64:      8,
	Uint8:      1,
	Uint16:     2,
	Uint32:     4,
	Uint64:     8,
	Float32:    4,
	Float64:    8,
	Complex64:  8,
	Complex128: 16,
	Bool:       1,
}

// ElemSize returns the size of a single element in bytes, or 0 for an
// unknown dtype label.
func (d DType) ElemSize() int { return elemSizes[d] }

// ParseDType validates a wire-level dtype label.
func ParseDType(label string) (DType, error) {
	d := DType(label)
	if _, ok := elemSizes[d]; !ok {
		return "", fmt.Errorf("unknown dtype label %q", label)
	}
	return d, nil
}

// Order names the axis ordering of a [Shape].
type Order int

const (
	// COrder is row-major: the last axis varies fastest. This is the
	// canonical wire ordering.
	COrder Order = iota
	// FOrder is column-major: the first axis varies fastest.
	FOrder
)

func (o Order) String() string {
	if o == FOrder {
		return "F"
	}
	return "C"
}

// Shape is an ordered list of non-negative axis extents. A Shape is a pure
// coordinate description: converting between orderings reverses the extent
// list without touching any memory.
type Shape struct {
	order   Order
	extents []int64
}

// NewShape returns a shape with the given extents in the given order.
func NewShape(order Order, extents ...int64) Shape {
	ext := make([]int64, len(extents))
	copy(ext, extents)
	return Shape{order: order, extents: ext}
}

// Order returns the axis ordering of this shape.
func (s Shape) Order() Order { return s.order }

// Len returns the number of axes.
func (s Shape) Len() int { return len(s.extents) }

// At returns the extent of the idx'th axis in this shape's order.
func (s Shape) At(idx int) int64 { return s.extents[idx] }

// Extents returns a copy of the axis extents in this shape's order.
func (s Shape) Extents() []int64 {
	ext := make([]int64, len(s.extents))
	copy(ext, s.extents)
	return ext
}

// Elements returns the total number of elements, the product of all
// extents. An empty shape describes a scalar with one element.
func (s Shape) Elements() int64 {
	n := int64(1)
	for _, ext := range s.extents {
		n *= ext
	}
	return n
}

// To returns this shape converted into the given order, reversing the
// extent list when the orders differ.
func (s Shape) To(order Order) Shape {
	if order == s.order {
		return NewShape(order, s.extents...)
	}
	ext := make([]int64, len(s.extents))
	for i, e := range s.extents {
		ext[len(ext)-1-i] = e
	}
	return Shape{order: order, extents: ext}
}

func (s Shape) String() string {
	return fmt.Sprintf("%v(%s)", s.extents, s.order)
}
