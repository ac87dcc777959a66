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
)

// The get/put scripts below read and write a variable in the worker's
// global scope. Subscripted map/dict assignment and bare assignment parse
// the same in the script dialects appose workers speak (Python, Groovy,
// JavaScript), so these one-liners stay worker-agnostic.

// Var reads the named variable from the worker's global scope, expressed
// as a one-shot task whose result is the variable's value.
func (s *Service) Var(ctx context.Context, name string) (any, error) {
	task, err := s.Task(fmt.Sprintf("task.outputs[\"result\"] = %s", name))
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

// SetVar writes the named variable in the worker's global scope,
// expressed as a one-shot task binding the value through the task inputs.
func (s *Service) SetVar(ctx context.Context, name string, value any) error {
	task, err := s.Task(fmt.Sprintf("%s = value", name),
		WithInputs(map[string]any{"value": value}))
	if err != nil {
		return err
	}
	if err := task.Start(); err != nil {
		return err
	}
	return task.WaitFor(ctx)
}
