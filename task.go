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
	"errors"
	"fmt"
	"sync"

	"github.com/apposed/appose/msgcodec"
)

// TaskStatus is the lifecycle state of a [Task]. Transitions are monotone
// along the state graph; the terminal states Complete, Canceled, Failed,
// and Crashed are never left again.
type TaskStatus int

const (
	// Initial: created, not yet submitted to the worker.
	Initial TaskStatus = iota
	// Queued: submitted, worker has not yet reported the launch.
	Queued
	// Running: the worker reported the task as started.
	Running
	// Complete: the worker reported success.
	Complete
	// Canceled: the worker acknowledged a cancel request.
	Canceled
	// Failed: the worker reported failure.
	Failed
	// Crashed: the worker went away before the task finished.
	Crashed
)

var statusNames = map[TaskStatus]string{
	Initial:  "INITIAL",
	Queued:   "QUEUED",
	Running:  "RUNNING",
	Complete: "COMPLETE",
	Canceled: "CANCELED",
	Failed:   "FAILED",
	Crashed:  "CRASHED",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// IsFinished reports whether this is a terminal state.
func (s TaskStatus) IsFinished() bool {
	switch s {
	case Complete, Canceled, Failed, Crashed:
		return true
	}
	return false
}

// TaskEvent notifies a listener of a single worker response (or
// controller-synthesized crash) for a task. The task's state has already
// been updated for the event when the listener runs.
type TaskEvent struct {
	Task         *Task
	ResponseType msgcodec.ResponseType
}

// TaskError reports a task that finished in a terminal state other than
// [Complete].
type TaskError struct {
	// Task is the task that went wrong.
	Task *Task
	// Status is the terminal state the task ended in.
	Status TaskStatus
	// Message is the worker's diagnostic, often a stack trace, or the
	// controller's crash reason.
	Message string
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task %s ended in state %s", e.Task.UUID(), e.Status)
	}
	return fmt.Sprintf("task %s ended in state %s: %s", e.Task.UUID(), e.Status, e.Message)
}

// Caller-misuse errors, surfaced synchronously.
var (
	// ErrAlreadyStarted is returned when starting a task twice.
	ErrAlreadyStarted = errors.New("task has already been started")
	// ErrNotStarted is returned when waiting on a task that was never
	// started.
	ErrNotStarted = errors.New("task has not been started")
	// ErrServiceClosed is returned when submitting work to a closed
	// service.
	ErrServiceClosed = errors.New("service is closed")
)

// Task is one script submission in flight on a [Service], identified by a
// UUID unique to that service. Create tasks with [Service.Task], submit
// them with [Task.Start], and block on [Task.WaitFor]; listeners
// registered with [Task.Listen] observe every response as it arrives.
type Task struct {
	service *Service
	uuid    string
	script  string
	queue   string
	inputs  map[string]any // frozen at creation

	mu              sync.Mutex
	status          TaskStatus
	outputs         map[string]any
	message         string
	current         int64
	maximum         int64
	errorMessage    string
	listeners       []func(TaskEvent)
	started         bool
	cancelRequested bool

	done chan struct{} // closed on terminal transition
}

// UUID returns the task identifier echoed by the worker on every
// response.
func (t *Task) UUID() string { return t.uuid }

// Script returns the submitted script source.
func (t *Task) Script() string { return t.script }

// Status returns the task's current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Message returns the most recent progress label reported by the worker.
func (t *Task) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// Progress returns the most recent progress counters reported by the
// worker.
func (t *Task) Progress() (current, maximum int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.maximum
}

// ErrorMessage returns the worker's failure diagnostic, or the crash
// reason; empty unless the task failed or crashed.
func (t *Task) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorMessage
}

// Inputs returns a copy of the inputs frozen at submission.
func (t *Task) Inputs() map[string]any {
	inputs := make(map[string]any, len(t.inputs))
	for key, value := range t.inputs {
		inputs[key] = value
	}
	return inputs
}

// Outputs returns a copy of the outputs reported by the worker so far.
func (t *Task) Outputs() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	outputs := make(map[string]any, len(t.outputs))
	for key, value := range t.outputs {
		outputs[key] = value
	}
	return outputs
}

// Result returns the worker-reported "result" output, or nil while there
// is none.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outputs["result"]
}

// Listen registers a listener invoked for every response event of this
// task. Listeners run on the service's dispatcher goroutine and must not
// block; a panicking listener is caught and routed to the debug sink
// without stopping dispatch.
func (t *Task) Listen(listener func(TaskEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// Start submits the task to the worker, transitioning it from Initial to
// Queued. Starting twice fails with [ErrAlreadyStarted]; starting on a
// closed service fails with [ErrServiceClosed].
func (t *Task) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.status = Queued
	t.mu.Unlock()

	request := map[string]any{
		"task":        t.uuid,
		"requestType": string(msgcodec.ExecuteRequest),
		"script":      t.script,
		"inputs":      t.inputs,
	}
	if t.queue != "" {
		request["queue"] = t.queue
	}
	return t.service.writeRequest(request)
}

// Cancel asks the worker to cancel this task. Cancellation is
// cooperative: the task stays in its current state until the worker
// acknowledges (or finishes otherwise). Cancelling a finished task is a
// no-op.
func (t *Task) Cancel() error {
	t.mu.Lock()
	if !t.started || t.status.IsFinished() || t.cancelRequested {
		t.mu.Unlock()
		return nil
	}
	t.cancelRequested = true
	t.mu.Unlock()

	return t.service.writeRequest(map[string]any{
		"task":        t.uuid,
		"requestType": string(msgcodec.CancelRequest),
	})
}

// WaitFor blocks until the task reaches a terminal state or the context
// expires. A task ending in any terminal state but Complete yields a
// [*TaskError]; a context error leaves the task untouched and still
// waitable. Waiting on a never-started task fails with [ErrNotStarted].
func (t *Task) WaitFor(ctx context.Context) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != Complete {
		return &TaskError{Task: t, Status: t.status, Message: t.errorMessage}
	}
	return nil
}

// handle applies one worker response to the task's state and notifies
// listeners afterwards. It reports false for response types it does not
// know, leaving the task untouched. Called on the service's dispatcher
// goroutine only.
func (t *Task) handle(responseType msgcodec.ResponseType, response map[string]any) bool {
	t.mu.Lock()
	if t.status.IsFinished() {
		// Terminal states are never left; late responses racing a crash
		// are dropped.
		t.mu.Unlock()
		return true
	}
	switch responseType {
	case msgcodec.LaunchResponse:
		t.status = Running
	case msgcodec.UpdateResponse:
		if message, ok := response["message"].(string); ok {
			t.message = message
		}
		if current, ok := msgcodec.AsInt64(response["current"]); ok {
			t.current = current
		}
		if maximum, ok := msgcodec.AsInt64(response["maximum"]); ok {
			t.maximum = maximum
		}
	case msgcodec.CompletionResponse:
		if outputs, ok := response["outputs"].(map[string]any); ok {
			for key, value := range outputs {
				t.outputs[key] = value
			}
		}
		t.status = Complete
	case msgcodec.CancelationResponse:
		t.status = Canceled
	case msgcodec.FailureResponse:
		if message, ok := response["error"].(string); ok {
			t.errorMessage = message
		}
		t.status = Failed
	default:
		t.mu.Unlock()
		return false
	}
	t.finishLocked(responseType)
	return true
}

// crash forces a non-terminal task into the Crashed state with the given
// reason; finished tasks are left alone.
func (t *Task) crash(reason string) {
	t.mu.Lock()
	if t.status.IsFinished() {
		t.mu.Unlock()
		return
	}
	t.errorMessage = reason
	t.status = Crashed
	t.finishLocked(msgcodec.CrashResponse)
}

// finishLocked completes a state update: it snapshots the listeners,
// releases the lock, notifies, and on terminal states unregisters the
// task from its service and then releases waiters. The registry removal
// happens after listener notification, so listeners still observe a
// registered task, and before waiters return, so they never do.
func (t *Task) finishLocked(responseType msgcodec.ResponseType) {
	listeners := make([]func(TaskEvent), len(t.listeners))
	copy(listeners, t.listeners)
	finished := t.status.IsFinished()
	t.mu.Unlock()

	event := TaskEvent{Task: t, ResponseType: responseType}
	for _, listener := range listeners {
		t.service.notify(listener, event)
	}
	if finished {
		t.service.unregister(t.uuid)
		close(t.done)
	}
}
