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

package msgcodec

import (
	"fmt"

	"github.com/apposed/appose/ndarray"
	"github.com/apposed/appose/shm"
)

// shmConverter ships shared-memory segments by name and requested size;
// decoding attaches the existing segment rather than creating one.
type shmConverter struct{}

func (shmConverter) AppType() string { return "shm" }

func (shmConverter) CanEncode(v any) bool {
	_, ok := v.(*shm.SharedMemory)
	return ok
}

func (shmConverter) Encode(v any) (map[string]any, error) {
	mem := v.(*shm.SharedMemory)
	return map[string]any{
		"name":  mem.Name(),
		"rsize": int64(mem.RSize()),
	}, nil
}

func (shmConverter) Decode(fields map[string]any) (any, error) {
	name, ok := fields["name"].(string)
	if !ok {
		return nil, fmt.Errorf("shm message without a usable name: %v", fields)
	}
	rsize, ok := AsInt64(fields["rsize"])
	if !ok || rsize < 0 {
		return nil, fmt.Errorf("shm message %q without a usable rsize: %v", name, fields)
	}
	return shm.Attach(name, uint64(rsize))
}

// ndarrayConverter ships array views as dtype, C-order shape, and the
// nested shared-memory segment.
type ndarrayConverter struct{}

func (ndarrayConverter) AppType() string { return "ndarray" }

func (ndarrayConverter) CanEncode(v any) bool {
	_, ok := v.(*ndarray.NDArray)
	return ok
}

func (ndarrayConverter) Encode(v any) (map[string]any, error) {
	arr := v.(*ndarray.NDArray)
	shape := arr.Shape().To(ndarray.COrder)
	return map[string]any{
		"dtype": string(arr.DType()),
		"shape": shape.Extents(),
		"shm":   arr.SHM(),
	}, nil
}

func (ndarrayConverter) Decode(fields map[string]any) (any, error) {
	label, ok := fields["dtype"].(string)
	if !ok {
		return nil, fmt.Errorf("ndarray message without a usable dtype: %v", fields)
	}
	dtype, err := ndarray.ParseDType(label)
	if err != nil {
		return nil, err
	}
	rawShape, ok := fields["shape"].([]any)
	if !ok {
		return nil, fmt.Errorf("ndarray message without a usable shape: %v", fields)
	}
	extents := make([]int64, len(rawShape))
	for i, raw := range rawShape {
		ext, ok := AsInt64(raw)
		if !ok || ext < 0 {
			return nil, fmt.Errorf("ndarray message with unusable shape extent %v", raw)
		}
		extents[i] = ext
	}
	mem, ok := fields["shm"].(*shm.SharedMemory)
	if !ok {
		return nil, fmt.Errorf("ndarray message without a usable shm segment: %v", fields)
	}
	return ndarray.Wrap(mem, dtype, ndarray.NewShape(ndarray.COrder, extents...))
}

// VarNamer is the encode-side contract for worker-object handles: any
// value knowing the worker-side variable name it stands for can travel as
// a worker_object reference.
type VarNamer interface {
	VarName() string
}

// WorkerObjectRef is what worker_object references decode into unless
// [WithWorkerObjects] installs a hook wrapping them into something richer,
// such as a callable proxy bound to a live service.
type WorkerObjectRef struct {
	Name string
}

// VarName returns the name of the worker-side variable holding the actual
// object.
func (r WorkerObjectRef) VarName() string { return r.Name }

type workerObjectConverter struct {
	wrap func(varName string) any
}

func (workerObjectConverter) AppType() string { return "worker_object" }

func (workerObjectConverter) CanEncode(v any) bool {
	_, ok := v.(VarNamer)
	return ok
}

func (workerObjectConverter) Encode(v any) (map[string]any, error) {
	return map[string]any{"var_name": v.(VarNamer).VarName()}, nil
}

func (c workerObjectConverter) Decode(fields map[string]any) (any, error) {
	name, ok := fields["var_name"].(string)
	if !ok {
		return nil, fmt.Errorf("worker_object message without a usable var_name: %v", fields)
	}
	if c.wrap == nil {
		return WorkerObjectRef{Name: name}, nil
	}
	return c.wrap(name), nil
}

// WithWorkerObjects installs a hook that wraps inbound worker_object
// references; the controller uses it to bind references to the service
// they came from, turning them into callable proxies.
func WithWorkerObjects(wrap func(varName string) any) Option {
	return func(c *Codec) {
		for i, cv := range c.converters {
			if _, ok := cv.(workerObjectConverter); ok {
				c.converters[i] = workerObjectConverter{wrap: wrap}
				return
			}
		}
		c.converters = append(c.converters, workerObjectConverter{wrap: wrap})
	}
}
