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

//go:build darwin && cgo

package shm

/*
#include <stdlib.h>
#include <sys/mman.h>
#include <sys/stat.h>
#include <fcntl.h>
#include <errno.h>
#include <unistd.h>

// shm_open has no raw syscall number usable from Go on darwin, so these
// thin wrappers shuttle errno across the cgo boundary.

int appose_shm_open(const char* name, int oflag, mode_t mode) {
	int fd = shm_open(name, oflag, mode);
	if (fd < 0) {
		return -errno;
	}
	return fd;
}

int appose_shm_unlink(const char* name) {
	if (shm_unlink(name) < 0) {
		return -errno;
	}
	return 0;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const platformPrefix = "/psm_"

func init() {
	register(openPosixSegment)
}

type posixSegment struct {
	fd     int
	data   []byte
	name   string // with leading slash, as shm_open wants it
	actual uint64
}

func shmOpen(name string, oflag int, mode uint32) (int, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	fd := int(C.appose_shm_open(cname, C.int(oflag), C.mode_t(mode)))
	if fd < 0 {
		return 0, unix.Errno(-fd)
	}
	return fd, nil
}

func shmUnlink(name string) error {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	if rc := int(C.appose_shm_unlink(cname)); rc < 0 {
		return unix.Errno(-rc)
	}
	return nil
}

func openPosixSegment(name string, create bool, rsize uint64) (segment, error) {
	posixName := "/" + name
	var fd int
	var err error
	if create {
		fd, err = shmOpen(posixName, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
		switch {
		case err == nil:
			if err := unix.Ftruncate(fd, int64(rsize)); err != nil {
				_ = unix.Close(fd)
				_ = shmUnlink(posixName)
				return nil, fmt.Errorf("cannot size shared memory segment %q to %d bytes: %w",
					name, rsize, err)
			}
		case errors.Is(err, unix.EEXIST):
			fd, err = openExisting(posixName, name, rsize)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("cannot create shared memory segment %q: %w", name, err)
		}
	} else {
		fd, err = openExisting(posixName, name, rsize)
		if err != nil {
			return nil, err
		}
	}
	// Darwin rounds segments up to page granularity on creation; the
	// mapped size must match what the kernel actually allocated.
	actual, err := unix.Seek(fd, 0, unix.SEEK_END)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cannot determine size of shared memory segment %q: %w", name, err)
	}
	data, err := unix.Mmap(fd, 0, int(actual),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cannot map shared memory segment %q: %w", name, err)
	}
	return &posixSegment{fd: fd, data: data, name: posixName, actual: uint64(actual)}, nil
}

func openExisting(posixName, name string, rsize uint64) (int, error) {
	fd, err := shmOpen(posixName, unix.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return 0, fmt.Errorf("cannot open shared memory segment %q: %w", name, err)
	}
	size, err := unix.Seek(fd, 0, unix.SEEK_END)
	if err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("cannot determine size of shared memory segment %q: %w", name, err)
	}
	if uint64(size) < rsize {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("%w: %q holds %d bytes, need %d",
			ErrSizeConflict, name, size, rsize)
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
	if err := shmUnlink(s.name); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("cannot unlink shared memory segment %q: %w", s.name, err)
	}
	return nil
}
