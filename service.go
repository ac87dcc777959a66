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
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/apposed/appose/msgcodec"
)

// maxResponseLine bounds a single worker response record; outputs larger
// than this belong into shared memory, not onto the wire.
const maxResponseLine = 16 * 1024 * 1024

// closeGrace is how long Close waits for the worker to exit after its
// stdin closed, before killing it.
const closeGrace = 10 * time.Second

// Service supervises one worker subprocess: it serializes requests onto
// the worker's stdin, reads responses and diagnostics off its stdout and
// stderr, and routes responses to the owning [Task]. Services come from
// an [Environment]; they launch lazily with their first task and must be
// closed when done, typically via defer.
type Service struct {
	cwd     string
	argv    []string
	envVars map[string]string
	codec   *msgcodec.Codec
	id      string
	log     *slog.Logger

	stateMu sync.Mutex
	started bool
	closed  bool
	cmd     *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser

	tasksMu sync.Mutex
	tasks   map[string]*Task

	debugMu        sync.Mutex
	debugListeners []func(string)

	exited chan struct{} // closed once the worker is gone and reaped
}

func newService(env *Environment, argv []string) *Service {
	s := &Service{
		cwd:     env.Base,
		argv:    argv,
		envVars: env.EnvVars,
		id:      petname.Generate(2, "-"),
		log:     slog.Default(),
		tasks:   make(map[string]*Task),
		exited:  make(chan struct{}),
	}
	// Worker-object references decoded from responses get bound to this
	// service, so that method calls on them round-trip as tasks.
	s.codec = msgcodec.New(msgcodec.WithWorkerObjects(func(varName string) any {
		return &WorkerObject{service: s, varName: varName}
	}))
	return s
}

// Codec returns the message codec used on this service's wire; custom
// converters registered on it apply to this service only.
func (s *Service) Codec() *msgcodec.Codec { return s.codec }

// Start launches the worker subprocess. It is idempotent; services also
// start implicitly with their first task.
func (s *Service) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.closed {
		return ErrServiceClosed
	}
	if s.started {
		return nil
	}
	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Dir = s.cwd
	if len(s.envVars) > 0 {
		env := os.Environ()
		for key, value := range s.envVars {
			env = append(env, key+"="+value)
		}
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("cannot connect to worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cannot connect to worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("cannot connect to worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot launch worker %q: %w", s.argv[0], err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.started = true
	s.log.Info("worker started",
		slog.String("service-id", s.id),
		slog.String("exe", s.argv[0]),
		slog.Int("pid", cmd.Process.Pid))

	// One reader per stream. The readers end when the worker closes its
	// side; afterwards the monitor reaps the process and fails whatever
	// tasks are still alive.
	readers := new(errgroup.Group)
	readers.Go(func() error { return s.readResponses(stdout) })
	readers.Go(func() error { return s.readDiagnostics(stderr) })
	go s.monitor(readers)
	return nil
}

// monitor waits out the reader goroutines and the worker process, then
// transitions every surviving task to Crashed.
func (s *Service) monitor(readers *errgroup.Group) {
	readerErr := readers.Wait()
	waitErr := s.cmd.Wait()
	reason := "worker crashed"
	switch {
	case waitErr != nil:
		reason = fmt.Sprintf("worker crashed: %s", waitErr)
	case readerErr != nil:
		reason = fmt.Sprintf("worker crashed: %s", readerErr)
	}
	s.crashSurvivors(reason)
	s.log.Info("worker terminated", slog.String("service-id", s.id))
	close(s.exited)
}

// Task creates a new task for the given script on this service, assigning
// it a fresh UUID. The task is registered but not submitted; call
// [Task.Start] to send it to the worker. Creating the first task launches
// the worker.
func (s *Service) Task(script string, opts ...TaskOption) (*Task, error) {
	s.stateMu.Lock()
	err := s.startLocked()
	s.stateMu.Unlock()
	if err != nil {
		return nil, err
	}
	t := &Task{
		service: s,
		uuid:    uuid.NewString(),
		script:  script,
		inputs:  map[string]any{},
		outputs: map[string]any{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	s.tasksMu.Lock()
	s.tasks[t.uuid] = t
	s.tasksMu.Unlock()
	return t, nil
}

// TaskOption configures a task at creation; see [WithInputs] and
// [OnQueue].
type TaskOption func(*Task)

// WithInputs sets the input values bound into the script's scope on the
// worker side. The map is copied; inputs are frozen at creation.
func WithInputs(inputs map[string]any) TaskOption {
	return func(t *Task) {
		for key, value := range inputs {
			t.inputs[key] = value
		}
	}
}

// OnQueue asks the worker to run the task in the named execution context;
// queue semantics are the worker's business. The controller only
// guarantees that tasks go onto the wire in submission order.
func OnQueue(queue string) TaskOption {
	return func(t *Task) { t.queue = queue }
}

// TaskCount returns the number of live (registered, non-terminated)
// tasks.
func (s *Service) TaskCount() int {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	return len(s.tasks)
}

// writeRequest encodes the request map and writes it as one
// newline-terminated record onto the worker's stdin. All writers share
// one mutex, so concurrent submitters interleave whole records only. A
// write failure crashes all in-flight tasks, as the channel to the worker
// is gone.
func (s *Service) writeRequest(request map[string]any) error {
	line, err := s.codec.Encode(request)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin == nil {
		return ErrServiceClosed
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		err = fmt.Errorf("cannot write to worker stdin: %w", err)
		// Crash from a fresh goroutine: listeners run during crashing
		// and must be free to submit requests of their own.
		go s.crashSurvivors("worker crashed: " + err.Error())
		return err
	}
	return nil
}

// readResponses parses each worker stdout line as a response record and
// routes it to the owning task. Unparseable lines, unknown tasks, and
// unknown response types go to the debug sink and are dropped; the
// service keeps going.
func (s *Service) readResponses(stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		response, err := s.codec.Decode(line)
		if err != nil {
			s.debug("dropping unreadable response: %s (line: %q)", err, line)
			continue
		}
		taskID, _ := response["task"].(string)
		responseType, _ := response["responseType"].(string)
		s.tasksMu.Lock()
		task := s.tasks[taskID]
		s.tasksMu.Unlock()
		if task == nil {
			s.debug("dropping response for unknown task %q: %q", taskID, line)
			continue
		}
		if !task.handle(msgcodec.ResponseType(responseType), response) {
			s.debug("dropping response of unknown type %q for task %q", responseType, taskID)
		}
	}
	return scanner.Err()
}

// readDiagnostics forwards worker stderr lines to the debug sink
// unchanged.
func (s *Service) readDiagnostics(stderr io.Reader) error {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)
	for scanner.Scan() {
		s.debug("%s", scanner.Text())
	}
	return scanner.Err()
}

// notify runs a single listener, catching panics so a broken listener
// cannot stop dispatch.
func (s *Service) notify(listener func(TaskEvent), event TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.debug("task listener panicked: %v", r)
		}
	}()
	listener(event)
}

// unregister removes a terminated task from the registry.
func (s *Service) unregister(taskID string) {
	s.tasksMu.Lock()
	delete(s.tasks, taskID)
	s.tasksMu.Unlock()
}

// crashSurvivors transitions every live task to Crashed with the given
// reason.
func (s *Service) crashSurvivors(reason string) {
	s.tasksMu.Lock()
	survivors := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		survivors = append(survivors, task)
	}
	s.tasksMu.Unlock()
	for _, task := range survivors {
		task.crash(reason)
	}
	if len(survivors) > 0 {
		s.log.Info("crashed surviving tasks",
			slog.String("service-id", s.id),
			slog.Int("count", len(survivors)),
			slog.String("reason", reason))
	}
}

// DebugListen registers a sink receiving worker stderr lines as well as
// notes about dropped responses and listener failures.
func (s *Service) DebugListen(listener func(string)) {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	s.debugListeners = append(s.debugListeners, listener)
}

func (s *Service) debug(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	s.log.Debug("worker debug",
		slog.String("service-id", s.id),
		slog.String("text", text))
	s.debugMu.Lock()
	listeners := make([]func(string), len(s.debugListeners))
	copy(listeners, s.debugListeners)
	s.debugMu.Unlock()
	for _, listener := range listeners {
		listener(text)
	}
}

// Close shuts the service down: it closes the worker's stdin — the signal
// for a well-behaved worker to exit — waits for the process to go away,
// and fails whatever tasks are still in flight. A worker that outstays
// its grace period gets killed. Close is idempotent and safe to call from
// multiple goroutines.
func (s *Service) Close() error {
	s.stateMu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	started := s.started
	s.stateMu.Unlock()
	if !started {
		return nil
	}
	if !alreadyClosed {
		s.writeMu.Lock()
		if s.stdin != nil {
			_ = s.stdin.Close()
			s.stdin = nil
		}
		s.writeMu.Unlock()
	}
	select {
	case <-s.exited:
	case <-time.After(closeGrace):
		s.log.Info("killing unresponsive worker", slog.String("service-id", s.id))
		_ = s.cmd.Process.Kill()
		<-s.exited
	}
	return nil
}

func (s *Service) String() string {
	return fmt.Sprintf("Service(%s: %s)", s.id, strings.Join(s.argv, " "))
}
