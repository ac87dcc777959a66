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
Package worker implements an appose worker executing JavaScript task
scripts, shipped as the appose-worker command.

The worker reads EXECUTE and CANCEL requests line by line from its input
and emits LAUNCH, UPDATE, COMPLETION, CANCELATION, and FAILURE responses
on its output, per the appose stdio protocol. Scripts run one at a time
on a single persistent [goja] runtime, so globals assigned by one task
are visible to later tasks — which is what makes worker-side objects
addressable by name from the controller, and what GET/PUT-style variable
access relies on. Queue hints are accepted; since execution is serial
anyway, every task effectively runs on the one main queue.

Inside a script, the task inputs are bound as global variables, and a
“task” object provides:

	task.update(message, current, maximum)  // progress report
	task.cancelRequested()                  // cooperative cancel polling
	task.export(name, value)                // publish a global
	task.outputs                            // the outputs map

A script's final expression value becomes outputs["result"] unless the
script already set one. Output values that cannot travel by value — a
function, say, or an object with methods — are exported under a generated
global name and shipped as worker_object references instead.

Cancellation interrupts the running script through the runtime, and
cancels not-yet-scheduled tasks before their scripts ever run (such a task
still reports LAUNCH, immediately followed by CANCELATION), so a cancel
sent right after submission cannot get lost.

[goja]: https://github.com/dop251/goja
*/
package worker
