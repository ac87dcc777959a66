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

package appose_test

import (
	"context"
	"errors"
	"time"

	"github.com/apposed/appose"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// menagerie populates the worker with objects whose methods the proxy
// tests call remotely.
const menagerie = `
bird = {
	walk: function(rate) {
		return rate <= 1 ? "Hopped at rate: " + rate : "Too fast for birds!";
	},
	fly: function(distance, height) { return height > 50; },
	dive: function(depth) { return "Birds don't dive"; }
};
fish = {
	walk: function(rate) { return "Fish don't walk"; },
	fly: function(distance, height) { return false; },
	dive: function(depth) { return "Swam down " + depth.toFixed(1) + " deep"; }
};
`

// animal is a compile-time typed facade over a remote object; each method
// is a one-liner over CallAs.
type animal struct {
	*appose.WorkerObject
}

func (a animal) walk(ctx context.Context, rate int) (string, error) {
	return appose.CallAs[string](ctx, a.WorkerObject, "walk", rate)
}

func (a animal) fly(ctx context.Context, distance int, height int64) (bool, error) {
	return appose.CallAs[bool](ctx, a.WorkerObject, "fly", distance, height)
}

func (a animal) dive(ctx context.Context, depth float64) (string, error) {
	return appose.CallAs[string](ctx, a.WorkerObject, "dive", depth)
}

var _ = Describe("worker object proxies", func() {

	BeforeEach(func() {
		quietslog()
	})

	It("turns method calls into remote dot-call tasks", func(ctx context.Context) {
		service := newWorkerService()
		ctx = within(ctx, time.Minute)
		run(ctx, service, menagerie)

		bird := animal{service.Proxy("bird")}
		fish := animal{service.Proxy("fish")}

		Expect(bird.walk(ctx, 1)).To(Equal("Hopped at rate: 1"))
		Expect(bird.walk(ctx, 2)).To(Equal("Too fast for birds!"))
		Expect(bird.fly(ctx, 5, 100)).To(BeTrue())
		Expect(fish.fly(ctx, 2, 10)).To(BeFalse())
		Expect(fish.dive(ctx, 100.0)).To(Equal("Swam down 100.0 deep"))
	})

	It("pins proxy calls onto a queue when asked to", func(ctx context.Context) {
		service := newWorkerService()
		ctx = within(ctx, time.Minute)
		run(ctx, service, menagerie)

		bird := service.Proxy("bird", "main")
		Expect(bird.Call(ctx, "walk", 1)).To(Equal("Hopped at rate: 1"))
	})

	It("surfaces remote call failures as task errors", func(ctx context.Context) {
		service := newWorkerService()
		ctx = within(ctx, time.Minute)
		run(ctx, service, menagerie)

		bird := service.Proxy("bird")
		_, err := bird.Call(ctx, "swim", 1)
		var taskErr *appose.TaskError
		Expect(errors.As(err, &taskErr)).To(BeTrue(), "not a task error: %v", err)
		Expect(taskErr.Status).To(Equal(appose.Failed))
		Expect(taskErr.Message).To(ContainSubstring("TypeError"))
	})

	It("hands back callable handles for unportable results", func(ctx context.Context) {
		service := newWorkerService()
		ctx = within(ctx, time.Minute)

		task := run(ctx, service,
			`({ greet: function(name) { return "hello, " + name; } })`)
		handle, ok := task.Result().(*appose.WorkerObject)
		Expect(ok).To(BeTrue(), "not a worker object: %v", task.Result())
		Expect(handle.Service()).To(BeIdenticalTo(service))
		Expect(handle.VarName()).To(HavePrefix("obj_"))

		Expect(handle.Call(ctx, "greet", "appose")).To(Equal("hello, appose"))

		// Handles travel back to the worker as references to the
		// original object.
		task = run(ctx, service, `obj.greet("again")`,
			appose.WithInputs(map[string]any{"obj": handle}))
		Expect(task.Result()).To(Equal("hello, again"))
	})

	It("coerces typed results only when exact", func(ctx context.Context) {
		service := newWorkerService()
		ctx = within(ctx, time.Minute)
		run(ctx, service, `calc = { mul: function(a, b) { return a * b; } }`)

		calc := service.Proxy("calc")
		Expect(appose.CallAs[int](ctx, calc, "mul", 6, 7)).To(Equal(42))
		Expect(appose.CallAs[int64](ctx, calc, "mul", 6, 7)).To(Equal(int64(42)))
		Expect(appose.CallAs[float64](ctx, calc, "mul", 6, 7)).To(Equal(42.0))
		Expect(appose.CallAs[string](ctx, calc, "mul", 6, 7)).Error().To(HaveOccurred())
	})

})
