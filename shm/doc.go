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
Package shm provides named shared-memory segments that can be created in one
process and attached in another, on Linux, macOS, and Windows.

A [SharedMemory] handle addresses an OS-backed byte region under a
host-unique name. The name travels between processes in plain text (for
instance inside a protocol message), and the receiving side attaches the
same region with [Attach]; the bytes themselves never get copied. The OS
backends differ:

  - Linux maps a file below /dev/shm, the tmpfs behind POSIX shm_open(3).
  - macOS calls shm_open(3) proper, which requires cgo.
  - Windows uses named file mappings in the “Local\” session namespace.

Segment names are exchanged in their canonical form without a leading
slash; each backend adds whatever decoration its OS primitives expect.

A handle must be closed exactly once per user; closing again is a no-op.
[SharedMemory.Unlink] removes the OS-level name where the OS supports it —
on Windows the region simply vanishes with its last open handle.
*/
package shm
