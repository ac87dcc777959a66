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

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"github.com/apposed/appose/msgcodec"
)

// maxRequestLine bounds a single controller request record.
const maxRequestLine = 16 * 1024 * 1024

// task is one EXECUTE request in flight inside the worker.
type task struct {
	uuid     string
	script   string
	inputs   map[string]any
	queue    string
	canceled atomic.Bool
}

// Worker executes task scripts on a single persistent JavaScript runtime.
// Use [Run] unless you need to wire a worker up manually.
type Worker struct {
	vm    *goja.Runtime
	codec *msgcodec.Codec
	log   *slog.Logger
	id    string

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	current string // uuid of the task the runtime is executing right now
	tasks   map[string]*task

	closing atomic.Bool
	jobs    chan *task
}

// Run services appose requests on in until it hits EOF or the context is
// done, writing responses to out. This is the whole worker: the
// appose-worker command is Run over its stdio.
//
// Run generates slog records over the course of its operation; the
// appose-worker command sends them to stderr, where the controller's
// debug sink picks them up.
func Run(ctx context.Context, in io.Reader, out io.Writer) error {
	w := &Worker{
		vm:    goja.New(),
		codec: msgcodec.New(),
		log:   slog.Default(),
		id:    petname.Generate(2, "-"),
		out:   out,
		tasks: make(map[string]*task),
		jobs:  make(chan *task, 64),
	}
	w.log.Info("worker serving loop started", slog.String("worker-id", w.id))
	defer w.log.Info("worker serving loop terminated", slog.String("worker-id", w.id))

	var executed sync.WaitGroup
	executed.Add(1)
	go func() {
		defer executed.Done()
		for t := range w.jobs {
			w.execute(t)
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxRequestLine)
	var err error
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		default:
			w.dispatch(scanner.Bytes())
			continue
		}
		break
	}
	if err == nil {
		err = scanner.Err()
	}
	// The controller hung up (or told us to stop): interrupt whatever is
	// running, drop whatever is still queued, and leave without further
	// responses. Nobody is listening for them anymore.
	w.closing.Store(true)
	w.mu.Lock()
	for _, t := range w.tasks {
		t.canceled.Store(true)
	}
	if w.current != "" {
		w.vm.Interrupt(errScriptCanceled)
	}
	w.mu.Unlock()
	close(w.jobs)
	executed.Wait()
	return err
}

// dispatch routes one request line. Malformed requests are logged and
// dropped; the worker keeps serving.
func (w *Worker) dispatch(line []byte) {
	if len(line) == 0 {
		return
	}
	request, err := w.codec.Decode(line)
	if err != nil {
		w.log.Error("cannot decode incoming request",
			slog.String("worker-id", w.id),
			slog.String("err", err.Error()))
		return
	}
	taskID, _ := request["task"].(string)
	requestType, _ := request["requestType"].(string)
	switch msgcodec.RequestType(requestType) {
	case msgcodec.ExecuteRequest:
		script, _ := request["script"].(string)
		inputs, _ := request["inputs"].(map[string]any)
		queue, _ := request["queue"].(string)
		t := &task{uuid: taskID, script: script, inputs: inputs, queue: queue}
		w.mu.Lock()
		w.tasks[taskID] = t
		w.mu.Unlock()
		w.jobs <- t
	case msgcodec.CancelRequest:
		w.cancel(taskID)
	default:
		w.log.Error("unhandled request",
			slog.String("worker-id", w.id),
			slog.String("type", requestType))
	}
}

// cancel marks the task as canceled and interrupts the runtime when the
// task is the one currently executing. A task canceled before its turn
// never runs its script; it still launches and immediately acknowledges
// the cancelation, so the controller sees the usual event sequence.
func (w *Worker) cancel(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.tasks[taskID]
	if t == nil {
		w.log.Info("cancel for unknown task",
			slog.String("worker-id", w.id),
			slog.String("task", taskID))
		return
	}
	t.canceled.Store(true)
	if w.current == taskID {
		w.vm.Interrupt(errScriptCanceled)
	}
}

var errScriptCanceled = errors.New("task canceled")

// execute runs one task's script to its terminal response. It owns the
// runtime for the duration; only [Worker.cancel] and the hangup path of
// [Run] touch the runtime concurrently, through the interrupt mechanism.
func (w *Worker) execute(t *task) {
	if w.closing.Load() {
		return
	}
	w.respond(t, msgcodec.LaunchResponse, nil)

	// Order matters against concurrent cancels: clear any stale
	// interrupt first, then become the current task, and only then check
	// the cancel flag. A cancel arriving before the flag check is seen
	// by the check; one arriving after finds us current and interrupts
	// the runtime.
	w.vm.ClearInterrupt()
	w.mu.Lock()
	w.current = t.uuid
	w.mu.Unlock()
	if t.canceled.Load() {
		w.mu.Lock()
		w.current = ""
		w.mu.Unlock()
		if !w.closing.Load() {
			w.finish(t, msgcodec.CancelationResponse, nil)
		}
		return
	}

	outputs := w.vm.NewObject()
	w.bind(t, outputs)

	value, err := w.vm.RunString(t.script)

	w.mu.Lock()
	w.current = ""
	w.mu.Unlock()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if !w.closing.Load() {
				w.finish(t, msgcodec.CancelationResponse, nil)
			}
			return
		}
		var exception *goja.Exception
		diagnostic := err.Error()
		if errors.As(err, &exception) {
			diagnostic = exception.String() // includes the JS stack
		}
		w.finish(t, msgcodec.FailureResponse, map[string]any{"error": diagnostic})
		return
	}

	w.finish(t, msgcodec.CompletionResponse, map[string]any{
		"outputs": w.gather(outputs, value),
	})
}

// bind populates the runtime's global scope for one task: the inputs as
// variables, and the task object the script reports through.
func (w *Worker) bind(t *task, outputs *goja.Object) {
	for name, value := range t.inputs {
		// References to worker objects resolve back to the actual
		// globals they name.
		if ref, ok := value.(msgcodec.WorkerObjectRef); ok {
			_ = w.vm.Set(name, w.vm.GlobalObject().Get(ref.Name))
			continue
		}
		_ = w.vm.Set(name, value)
	}

	taskObj := w.vm.NewObject()
	_ = taskObj.Set("outputs", outputs)
	_ = taskObj.Set("update", func(call goja.FunctionCall) goja.Value {
		update := map[string]any{}
		if len(call.Arguments) > 0 && !goja.IsUndefined(call.Argument(0)) && !goja.IsNull(call.Argument(0)) {
			update["message"] = call.Argument(0).String()
		}
		if len(call.Arguments) > 1 {
			update["current"] = call.Argument(1).ToInteger()
		}
		if len(call.Arguments) > 2 {
			update["maximum"] = call.Argument(2).ToInteger()
		}
		w.respond(t, msgcodec.UpdateResponse, update)
		return goja.Undefined()
	})
	_ = taskObj.Set("cancelRequested", func() bool {
		return t.canceled.Load()
	})
	_ = taskObj.Set("export", func(name string, value goja.Value) {
		_ = w.vm.GlobalObject().Set(name, value)
	})
	_ = w.vm.Set("task", taskObj)
}

// gather turns the task's outputs object into the wire outputs map. The
// script's final expression value fills outputs["result"] unless the
// script already set one. Values that cannot travel by value get exported
// under a generated global name and replaced by a worker_object
// reference.
func (w *Worker) gather(outputs *goja.Object, value goja.Value) map[string]any {
	gathered := map[string]any{}
	for _, key := range outputs.Keys() {
		gathered[key] = w.portable(key, outputs.Get(key))
	}
	if _, ok := gathered["result"]; !ok &&
		value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		gathered["result"] = w.portable("result", value)
	}
	return gathered
}

// portable exports a runtime value into its Go form when the codec can
// ship it, and otherwise auto-exports it as a named worker object.
func (w *Worker) portable(key string, value goja.Value) any {
	exported := value.Export()
	if w.codec.Encodable(exported) {
		return exported
	}
	name := "obj_" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	_ = w.vm.GlobalObject().Set(name, value)
	w.log.Info("auto-exported unportable output",
		slog.String("worker-id", w.id),
		slog.String("output", key),
		slog.String("var-name", name))
	return msgcodec.WorkerObjectRef{Name: name}
}

// finish sends the task's terminal response and forgets the task.
func (w *Worker) finish(t *task, responseType msgcodec.ResponseType, fields map[string]any) {
	w.respond(t, responseType, fields)
	w.mu.Lock()
	delete(w.tasks, t.uuid)
	w.mu.Unlock()
}

// respond writes a single response record for the given task. All
// responses funnel through one mutex-protected writer, so records never
// interleave.
func (w *Worker) respond(t *task, responseType msgcodec.ResponseType, fields map[string]any) {
	response := map[string]any{
		"task":         t.uuid,
		"responseType": string(responseType),
	}
	for key, value := range fields {
		response[key] = value
	}
	line, err := w.codec.Encode(response)
	if err != nil {
		// Outputs made it unencodable after all; report the failure so
		// the controller is not left waiting forever.
		if responseType == msgcodec.CompletionResponse {
			w.respond(t, msgcodec.FailureResponse, map[string]any{
				"error": fmt.Sprintf("cannot encode task outputs: %s", err),
			})
			return
		}
		w.log.Error("cannot encode response",
			slog.String("worker-id", w.id),
			slog.String("err", err.Error()))
		return
	}
	w.outMu.Lock()
	defer w.outMu.Unlock()
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		w.log.Error("cannot send response",
			slog.String("worker-id", w.id),
			slog.String("err", err.Error()))
	}
}
