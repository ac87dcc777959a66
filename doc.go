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

/*
Package appose drives worker subprocesses written in other languages,
exchanging structured messages over stdio and large binary payloads over
shared memory.

A controller obtains an [Environment] describing where worker executables
live and how to launch them, spawns a [Service] for a worker process, and
submits scripts as [Task] values:

	env := appose.System()
	service, err := env.Python()
	if err != nil { ... }
	defer service.Close()

	task, err := service.Task(`task.outputs["result"] = 6 * 7`)
	if err != nil { ... }
	if err := task.Start(); err != nil { ... }
	if err := task.WaitFor(ctx); err != nil { ... }
	answer := task.Result()

Every request to the worker is a single newline-terminated JSON record on
its stdin; every response is a single JSON record on its stdout. One
reader goroutine per stream routes responses to the owning task, drives
its state machine, and fans events out to listeners. See
[github.com/apposed/appose/msgcodec] for the record format and
[github.com/apposed/appose/shm] and [github.com/apposed/appose/ndarray]
for the zero-copy payload types that ride along inside task inputs and
outputs.

Method calls on objects living inside the worker can be proxied through
[WorkerObject] handles, obtained either explicitly via [Service.Proxy] or
implicitly whenever a worker returns a value that cannot be serialized.

# Workers

Any executable honoring the request/response protocol can serve as a
worker. [Environment.Python] launches the appose Python worker;
[github.com/apposed/appose/worker] implements a worker executing
JavaScript task scripts, shipped as the appose-worker command.
*/
package appose
