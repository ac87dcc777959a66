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

package shm

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Errors reported when creating, attaching, or using shared-memory
// segments. OS-level failures wrap the underlying errno where one is
// available, so [errors.Is] matching against unix/windows error values
// keeps working.
var (
	// ErrNotFound is returned by Attach when no segment with the given
	// name exists on this host.
	ErrNotFound = errors.New("no shared memory segment with this name")
	// ErrSizeConflict is returned when a segment with the requested name
	// already exists, but is too small for the requested size.
	ErrSizeConflict = errors.New("existing shared memory segment is too small")
	// ErrClosed is returned when accessing the bytes of an already closed
	// segment handle.
	ErrClosed = errors.New("shared memory segment is closed")
)

// segment is the OS-specific part of a shared-memory handle: an actual
// size (after any page rounding), a mapped byte region, and the close and
// unlink primitives of the backing OS object.
type segment interface {
	size() uint64
	bytes() []byte
	close() error
	unlink() error
}

// factory opens or creates the OS-specific segment backing; it returns
// errUnsupported when it cannot serve the host OS, so probing continues
// with the next registered factory. The passed name is in canonical form,
// without a leading slash.
type factory func(name string, create bool, rsize uint64) (segment, error)

var errUnsupported = errors.New("shared memory not supported by this factory")

var (
	factoriesMu sync.Mutex
	factories   []factory
)

// register adds a platform factory; called from the per-OS init functions.
func register(f factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories = append(factories, f)
}

func openSegment(name string, create bool, rsize uint64) (segment, error) {
	factoriesMu.Lock()
	fs := factories
	factoriesMu.Unlock()
	for _, f := range fs {
		seg, err := f(name, create, rsize)
		if errors.Is(err, errUnsupported) {
			continue
		}
		return seg, err
	}
	return nil, fmt.Errorf("%w: no shared memory support for this OS", errUnsupported)
}

// SharedMemory is a handle to a named OS-backed byte region shared between
// processes. Handles are independent: the same name may be attached many
// times within one process or across processes, and every handle tracks
// its own mapping.
type SharedMemory struct {
	name  string
	rsize uint64

	mu            sync.Mutex
	seg           segment
	unlinkOnClose bool
	unlinked      bool
}

// Option configures segment creation; see [WithName] and [WithUnlinkOnClose].
type Option func(*options)

type options struct {
	name          string
	unlinkOnClose bool
}

// WithName requests a specific segment name instead of a generated one.
// The name may be given with or without a leading slash; it is stored and
// exchanged canonically without one.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithUnlinkOnClose arranges for the OS-level name to be removed when this
// handle gets closed. Typically set on the creating side only, so that
// attached handles in other processes do not tear the name down early.
func WithUnlinkOnClose(unlink bool) Option {
	return func(o *options) { o.unlinkOnClose = unlink }
}

// Create creates a shared-memory segment of at least rsize bytes and maps
// it read/write. Without [WithName] a fresh unique name is generated. With
// a name, and a segment of that name already existing at least rsize bytes
// large, the existing segment is attached instead; an existing smaller
// segment fails with [ErrSizeConflict].
func Create(rsize uint64, opts ...Option) (*SharedMemory, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.name != "" {
		seg, err := openSegment(canonical(o.name), true, rsize)
		if err != nil {
			return nil, err
		}
		return &SharedMemory{
			name:          canonical(o.name),
			rsize:         rsize,
			seg:           seg,
			unlinkOnClose: o.unlinkOnClose,
		}, nil
	}
	// No name given: generate fresh ones until we hit an unused one. The
	// token space makes collisions freak accidents, but freak accidents
	// happen.
	for range 16 {
		name := makeName()
		// Any existing segment under this name belongs to somebody else,
		// whatever its size.
		if existing, err := openSegment(name, false, 0); err == nil {
			_ = existing.close()
			continue // name collision, roll the dice again
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		seg, err := openSegment(name, true, rsize)
		if errors.Is(err, ErrSizeConflict) {
			continue // name collision, roll the dice again
		}
		if err != nil {
			return nil, err
		}
		return &SharedMemory{
			name:          name,
			rsize:         rsize,
			seg:           seg,
			unlinkOnClose: o.unlinkOnClose,
		}, nil
	}
	return nil, errors.New("cannot find an unused shared memory segment name")
}

// Attach attaches the existing shared-memory segment with the given name,
// expecting it to hold at least rsize bytes. Attach fails with
// [ErrNotFound] when no such segment exists, and with [ErrSizeConflict]
// when the existing segment is smaller than rsize.
func Attach(name string, rsize uint64) (*SharedMemory, error) {
	seg, err := openSegment(canonical(name), false, rsize)
	if err != nil {
		return nil, err
	}
	return &SharedMemory{
		name:  canonical(name),
		rsize: rsize,
		seg:   seg,
	}, nil
}

// Name returns the segment name in canonical form, without any leading
// slash; this is the form exchanged between processes.
func (s *SharedMemory) Name() string { return s.name }

// RSize returns the originally requested segment size in bytes, preserved
// for wire round-tripping.
func (s *SharedMemory) RSize() uint64 { return s.rsize }

// Size returns the actual allocated segment size in bytes; this is at
// least RSize, but may be larger due to page-granularity rounding by the
// OS.
func (s *SharedMemory) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return 0
	}
	return s.seg.size()
}

// Bytes returns the mapped region as a byte slice of Size length, valid
// until this handle gets closed. It returns [ErrClosed] after Close.
func (s *SharedMemory) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return nil, ErrClosed
	}
	return s.seg.bytes(), nil
}

// SetUnlinkOnClose changes whether Close will also unlink the OS-level
// name.
func (s *SharedMemory) SetUnlinkOnClose(unlink bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlinkOnClose = unlink
}

// Close unmaps the region and closes the backing OS handle. Closing an
// already closed handle is a no-op.
func (s *SharedMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return nil
	}
	seg := s.seg
	s.seg = nil
	err := seg.close()
	if s.unlinkOnClose && !s.unlinked {
		s.unlinked = true
		if uerr := seg.unlink(); err == nil {
			err = uerr
		}
	}
	return err
}

// Unlink removes the OS-level segment name where the OS supports explicit
// unlinking; on Windows this is a no-op, as the region disappears together
// with its last open handle. Unlink is idempotent per handle and does not
// invalidate existing mappings.
func (s *SharedMemory) Unlink() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlinked {
		return nil
	}
	s.unlinked = true
	if s.seg != nil {
		return s.seg.unlink()
	}
	// Closed already: reach the OS-level name through a fresh attachment.
	seg, err := openSegment(s.name, false, 0)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = seg.unlink()
	if cerr := seg.close(); err == nil {
		err = cerr
	}
	return err
}

func (s *SharedMemory) String() string {
	return fmt.Sprintf("SharedMemory(name=%q, rsize=%d)", s.name, s.rsize)
}

// maxNameLen bounds generated names so they stay portable across the
// pickiest platforms (macOS limits POSIX shm names severely).
const maxNameLen = 14

// makeName generates a fresh segment name of at most maxNameLen
// characters: the platform prefix, filled up with random hex digits.
func makeName() string {
	prefix := platformPrefix
	token := make([]byte, (maxNameLen-len(prefix))/2)
	_, _ = rand.Read(token)
	return strings.TrimPrefix(prefix, "/") + hex.EncodeToString(token)
}

// canonical strips the leading slash POSIX APIs want to see, as segment
// names travel between processes without it.
func canonical(name string) string {
	return strings.TrimPrefix(name, "/")
}
