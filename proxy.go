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

package appose

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// WorkerObject is a controller-side handle to an object living inside the
// worker under a named variable. Method calls on the handle become tasks
// running the dot-call script "name.method(arg0,arg1,...)" with the
// arguments bound through the task inputs; the worker-side requirement is
// merely that its language uses dot-call syntax.
//
// Handles come from [Service.Proxy], or implicitly when a worker returns
// a value that cannot travel by value: the worker then exports the value
// under a generated name and ships a reference, which decodes into a
// WorkerObject bound to the originating service.
//
// For a compile-time typed facade, embed the handle in a struct whose
// methods delegate to Call (or [CallAs]).
type WorkerObject struct {
	service *Service
	varName string
	queue   string
}

// Proxy returns a handle to the worker-side variable with the given name.
// An optional queue name pins every call made through the handle onto
// that worker execution context.
func (s *Service) Proxy(varName string, queue ...string) *WorkerObject {
	w := &WorkerObject{service: s, varName: varName}
	if len(queue) > 0 {
		w.queue = queue[0]
	}
	return w
}

// VarName returns the worker-side variable name this handle stands for.
// It also makes the handle travel back to the worker as a worker_object
// reference when used inside task inputs.
func (w *WorkerObject) VarName() string { return w.varName }

// Service returns the service the handle is bound to.
func (w *WorkerObject) Service() *Service { return w.service }

// Call invokes the named method on the worker-side object, blocking until
// the call's task finished. On success it returns the call's result
// value; a failed task surfaces as the task's [*TaskError].
func (w *WorkerObject) Call(ctx context.Context, method string, args ...any) (any, error) {
	inputs := make(map[string]any, len(args))
	names := make([]string, len(args))
	for i, arg := range args {
		names[i] = fmt.Sprintf("arg%d", i)
		inputs[names[i]] = arg
	}
	script := w.varName + "." + method + "(" + strings.Join(names, ",") + ")"
	opts := []TaskOption{WithInputs(inputs)}
	if w.queue != "" {
		opts = append(opts, OnQueue(w.queue))
	}
	task, err := w.service.Task(script, opts...)
	if err != nil {
		return nil, err
	}
	if err := task.Start(); err != nil {
		return nil, err
	}
	if err := task.WaitFor(ctx); err != nil {
		return nil, err
	}
	return task.Result(), nil
}

func (w *WorkerObject) String() string {
	return fmt.Sprintf("WorkerObject(%s)", w.varName)
}

// CallAs invokes the named method via [WorkerObject.Call] and coerces the
// result to the declared type, converting between numeric widths where
// the conversion is exact. Typed facade methods are one-liners over
// CallAs.
func CallAs[T any](ctx context.Context, w *WorkerObject, method string, args ...any) (T, error) {
	var zero T
	result, err := w.Call(ctx, method, args...)
	if err != nil {
		return zero, err
	}
	coerced, err := coerce[T](result)
	if err != nil {
		return zero, fmt.Errorf("%s.%s: %w", w.varName, method, err)
	}
	return coerced, nil
}

// coerce converts a decoded wire value to the requested Go type. Wire
// numbers arrive as int64/float64 only, so narrowing conversions are
// common and permitted as long as they are value-preserving.
func coerce[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	target := reflect.TypeOf(zero)
	if target == nil { // T is an interface type and v did not implement it
		return zero, fmt.Errorf("result %v (%T) does not satisfy the requested interface", v, v)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().ConvertibleTo(target) {
		switch rv.Kind() {
		case reflect.Int64, reflect.Float64:
			// Wire numbers convert only when the round trip is exact;
			// silently mangled values are worse than an error.
			converted := rv.Convert(target)
			if converted.CanConvert(rv.Type()) &&
				converted.Convert(rv.Type()).Interface() == v {
				return converted.Interface().(T), nil
			}
		default:
			return rv.Convert(target).Interface().(T), nil
		}
	}
	return zero, fmt.Errorf("cannot represent result %v (%T) as %s", v, v, target)
}
