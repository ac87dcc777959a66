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

// RequestType discriminates controller-to-worker request records.
type RequestType string

const (
	// ExecuteRequest submits a script for execution as a task.
	ExecuteRequest RequestType = "EXECUTE"
	// CancelRequest asks the worker to cooperatively cancel a task.
	CancelRequest RequestType = "CANCEL"
)

// ResponseType discriminates worker-to-controller response records.
type ResponseType string

const (
	// LaunchResponse signals that the worker started executing the task.
	LaunchResponse ResponseType = "LAUNCH"
	// UpdateResponse carries a progress or log update.
	UpdateResponse ResponseType = "UPDATE"
	// CompletionResponse signals success, carrying the task outputs.
	CompletionResponse ResponseType = "COMPLETION"
	// CancelationResponse acknowledges a prior cancel request.
	CancelationResponse ResponseType = "CANCELATION"
	// FailureResponse signals failure, carrying the worker's diagnostic.
	FailureResponse ResponseType = "FAILURE"

	// CrashResponse never travels on the wire: the controller
	// synthesizes it for listeners when the worker goes away before a
	// task reached a terminal state.
	CrashResponse ResponseType = "CRASH"
)
