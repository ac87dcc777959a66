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

package worker_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/apposed/appose/msgcodec"
	"github.com/apposed/appose/worker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gleak"
	. "github.com/thediveo/success"
)

// wire drives an in-process worker over plain pipes, the same way a
// controller drives the worker binary over its stdio.
type wire struct {
	codec *msgcodec.Codec
	in    *io.PipeWriter
	out   *bufio.Scanner
	done  chan struct{}
}

func newWire(ctx context.Context) *wire {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w := &wire{
		codec: msgcodec.New(),
		in:    inW,
		out:   bufio.NewScanner(outR),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		defer outW.Close()
		_ = worker.Run(ctx, inR, outW)
	}()
	return w
}

func (w *wire) send(request map[string]any) {
	GinkgoHelper()
	line := Successful(w.codec.Encode(request))
	Expect(w.in.Write(append(line, '\n'))).Error().NotTo(HaveOccurred())
}

func (w *wire) execute(taskID, script string, inputs map[string]any) {
	GinkgoHelper()
	w.send(map[string]any{
		"task":        taskID,
		"requestType": "EXECUTE",
		"script":      script,
		"inputs":      inputs,
	})
}

func (w *wire) cancel(taskID string) {
	GinkgoHelper()
	w.send(map[string]any{"task": taskID, "requestType": "CANCEL"})
}

// recv returns the next response record; the worker emits all responses
// in order on a single stream.
func (w *wire) recv() map[string]any {
	GinkgoHelper()
	received := make(chan map[string]any, 1)
	go func() {
		defer GinkgoRecover()
		Expect(w.out.Scan()).To(BeTrue(), "worker output ended: %v", w.out.Err())
		received <- Successful(w.codec.Decode(w.out.Bytes()))
	}()
	select {
	case response := <-received:
		return response
	case <-time.After(5 * time.Second):
		Fail("timed out waiting for a worker response")
	}
	return nil // never reached
}

func (w *wire) expect(taskID string, responseType msgcodec.ResponseType) map[string]any {
	GinkgoHelper()
	response := w.recv()
	Expect(response["task"]).To(Equal(taskID))
	Expect(response["responseType"]).To(Equal(string(responseType)))
	return response
}

func (w *wire) hangup() {
	_ = w.in.Close()
	Eventually(w.done).Within(5 * time.Second).Should(BeClosed())
}

var _ = Describe("the script worker", func() {

	BeforeEach(func() {
		goodgos := Goroutines()
		DeferCleanup(func() {
			Eventually(Goroutines).Within(5 * time.Second).ProbeEvery(100 * time.Millisecond).
				ShouldNot(HaveLeaked(goodgos))
		})

		oldDefault := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})))
		DeferCleanup(func() { slog.SetDefault(oldDefault) })
	})

	It("captures a script's final expression as its result", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", "6 * 7", nil)
		w.expect("t1", msgcodec.LaunchResponse)
		completion := w.expect("t1", msgcodec.CompletionResponse)
		outputs := completion["outputs"].(map[string]any)
		Expect(outputs["result"]).To(Equal(int64(42)))
	})

	It("prefers explicitly set outputs over the final expression", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", `task.outputs["result"] = "explicit"; "implicit"`, nil)
		w.expect("t1", msgcodec.LaunchResponse)
		completion := w.expect("t1", msgcodec.CompletionResponse)
		outputs := completion["outputs"].(map[string]any)
		Expect(outputs["result"]).To(Equal("explicit"))
	})

	It("binds inputs as script globals", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", "a + b", map[string]any{"a": 40, "b": 2})
		w.expect("t1", msgcodec.LaunchResponse)
		completion := w.expect("t1", msgcodec.CompletionResponse)
		outputs := completion["outputs"].(map[string]any)
		Expect(outputs["result"]).To(Equal(int64(42)))
	})

	It("emits one update per task.update call, in order", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", `
			for (var i = 0; i < 3; i++) {
				task.update("step " + i, i, 3);
			}
			task.outputs["result"] = "done";
		`, nil)
		w.expect("t1", msgcodec.LaunchResponse)
		for i := range 3 {
			update := w.expect("t1", msgcodec.UpdateResponse)
			Expect(update["message"]).To(Equal(fmt.Sprintf("step %d", i)))
			Expect(update["current"]).To(Equal(int64(i)))
			Expect(update["maximum"]).To(Equal(int64(3)))
		}
		w.expect("t1", msgcodec.CompletionResponse)
	})

	It("reports script failures with a JS diagnostic", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", "undefined_variable", nil)
		w.expect("t1", msgcodec.LaunchResponse)
		failure := w.expect("t1", msgcodec.FailureResponse)
		Expect(failure["error"]).To(ContainSubstring("ReferenceError"))
	})

	It("interrupts a running script on cancel", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", "while (true) {}", nil)
		w.expect("t1", msgcodec.LaunchResponse)
		w.cancel("t1")
		w.expect("t1", msgcodec.CancelationResponse)
	})

	It("cancels queued tasks before they ever run", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", "while (true) {}", nil)
		w.execute("t2", `probe = "ran"`, nil)
		w.expect("t1", msgcodec.LaunchResponse)
		w.cancel("t2")
		w.cancel("t1")
		w.expect("t1", msgcodec.CancelationResponse)
		w.expect("t2", msgcodec.LaunchResponse)
		w.expect("t2", msgcodec.CancelationResponse)

		// ...so the canceled task's script must never have set its probe.
		w.execute("t3", `typeof probe`, nil)
		w.expect("t3", msgcodec.LaunchResponse)
		completion := w.expect("t3", msgcodec.CompletionResponse)
		outputs := completion["outputs"].(map[string]any)
		Expect(outputs["result"]).To(Equal("undefined"))
	})

	It("lets cooperative scripts poll for cancellation", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", "while (true) {}", nil)
		w.expect("t1", msgcodec.LaunchResponse)
		w.cancel("t1")
		w.expect("t1", msgcodec.CancelationResponse)

		// A fresh task starts with a clean cancellation flag.
		w.execute("t2", "task.cancelRequested()", nil)
		w.expect("t2", msgcodec.LaunchResponse)
		completion := w.expect("t2", msgcodec.CompletionResponse)
		outputs := completion["outputs"].(map[string]any)
		Expect(outputs["result"]).To(Equal(false))
	})

	It("keeps globals across tasks", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", "counter = 41", nil)
		w.expect("t1", msgcodec.LaunchResponse)
		w.expect("t1", msgcodec.CompletionResponse)

		w.execute("t2", "counter + 1", nil)
		w.expect("t2", msgcodec.LaunchResponse)
		completion := w.expect("t2", msgcodec.CompletionResponse)
		outputs := completion["outputs"].(map[string]any)
		Expect(outputs["result"]).To(Equal(int64(42)))
	})

	It("auto-exports unportable results as callable worker objects", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		w.execute("t1", `({ greet: function(name) { return "hello, " + name; } })`, nil)
		w.expect("t1", msgcodec.LaunchResponse)
		completion := w.expect("t1", msgcodec.CompletionResponse)
		outputs := completion["outputs"].(map[string]any)
		ref, ok := outputs["result"].(msgcodec.WorkerObjectRef)
		Expect(ok).To(BeTrue(), "not a worker object: %v", outputs["result"])
		Expect(ref.Name).To(HavePrefix("obj_"))

		// Dot-calling the exported name works like any other script...
		w.execute("t2", ref.Name+`.greet(arg0)`, map[string]any{"arg0": "appose"})
		w.expect("t2", msgcodec.LaunchResponse)
		completion = w.expect("t2", msgcodec.CompletionResponse)
		outputs = completion["outputs"].(map[string]any)
		Expect(outputs["result"]).To(Equal("hello, appose"))

		// ...and references passed back as inputs resolve to the object.
		w.execute("t3", `obj.greet("again")`, map[string]any{"obj": ref})
		w.expect("t3", msgcodec.LaunchResponse)
		completion = w.expect("t3", msgcodec.CompletionResponse)
		outputs = completion["outputs"].(map[string]any)
		Expect(outputs["result"]).To(Equal("hello, again"))
	})

	It("drops malformed requests and keeps serving", func(ctx context.Context) {
		w := newWire(ctx)
		defer w.hangup()

		Expect(w.in.Write([]byte("not json\n"))).Error().NotTo(HaveOccurred())
		w.execute("t1", "1 + 1", nil)
		w.expect("t1", msgcodec.LaunchResponse)
		w.expect("t1", msgcodec.CompletionResponse)
	})

	It("terminates on hangup even while a script is running", func(ctx context.Context) {
		w := newWire(ctx)

		w.execute("t1", "while (true) {}", nil)
		w.expect("t1", msgcodec.LaunchResponse)
		w.hangup()
	})

})
