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

// appose-worker is an appose worker executing JavaScript task scripts,
// speaking the appose request/response protocol on its stdio. Launch it
// through [github.com/apposed/appose.Environment.Worker], or directly
// for protocol experiments at a shell prompt.
package main
