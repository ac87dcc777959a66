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
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const platformPrefix = "/psm_"

// shmDir is the tmpfs behind glibc's shm_open(3); opening files below it
// is exactly what shm_open does, minus the libc dependency.
const shmDir = "/dev/shm/"

func init() {
	register(openPosixSegment)
}

type posixSegment struct {
	fd     int
	data   []byte
	path   string
	actual uint64
}

func openPosixSegment(name string, create bool, rsize uint64) (segment, error) {
	path := shmDir + name
	var fd int
	var err error
	if create {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
		switch {
		case err == nil:
			if err := unix.Ftruncate(fd, int64(rsize)); err != nil {
				_ = unix.Close(fd)
				_ = unix.Unlink(path)
				return nil, fmt.Errorf("cannot size shared memory segment %q to %d bytes: %w",
					name, rsize, err)
			}
		case errors.Is(err, unix.EEXIST):
			// An existing segment of sufficient size is fine to reuse; a
			// smaller one is not, and we must not grow it behind the backs
			// of its current users either.
			fd, err = openExisting(path, name, rsize)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("cannot create shared memory segment %q: %w", name, err)
		}
	} else {
		fd, err = openExisting(path, name, rsize)
		if err != nil {
			return nil, err
		}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cannot determine size of shared memory segment %q: %w", name, err)
	}
	actual := uint64(st.Size)
	data, err := unix.Mmap(fd, 0, int(actual),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cannot map shared memory segment %q: %w", name, err)
	}
	return &posixSegment{fd: fd, data: data, path: path, actual: actual}, nil
}

// openExisting opens an already existing segment, enforcing that it can
// hold at least rsize bytes.
func openExisting(path, name string, rsize uint64) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return 0, fmt.Errorf("cannot open shared memory segment %q: %w", name, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("cannot determine size of shared memory segment %q: %w", name, err)
	}
	if uint64(st.Size) < rsize {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("%w: %q holds %d bytes, need %d",
			ErrSizeConflict, name, st.Size, rsize)
	}
	return fd, nil
}

func (s *posixSegment) size() uint64  { return s.actual }
func (s *posixSegment) bytes() []byte { return s.data }

func (s *posixSegment) close() error {
	err := unix.Munmap(s.data)
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}

func (s *posixSegment) unlink() error {
	if err := unix.Unlink(s.path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("cannot unlink shared memory segment %q: %w", s.path, err)
	}
	return nil
}
