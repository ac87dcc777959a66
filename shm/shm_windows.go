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

//go:build windows

package shm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const platformPrefix = "wnsm_"

// mappingPrefix places segments into the per-session kernel object
// namespace, matching what other appose implementations use on Windows.
const mappingPrefix = `Local\`

func init() {
	register(openWindowsSegment)
}

type windowsSegment struct {
	handle windows.Handle
	addr   uintptr
	data   []byte
	actual uint64
}

func openWindowsSegment(name string, create bool, rsize uint64) (segment, error) {
	namep, err := windows.UTF16PtrFromString(mappingPrefix + name)
	if err != nil {
		return nil, fmt.Errorf("invalid shared memory segment name %q: %w", name, err)
	}
	var handle windows.Handle
	if create {
		handle, err = windows.CreateFileMapping(windows.InvalidHandle, nil,
			windows.PAGE_READWRITE, uint32(rsize>>32), uint32(rsize), namep)
		if err != nil && !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			return nil, fmt.Errorf("cannot create shared memory segment %q: %w", name, err)
		}
		existed := errors.Is(err, windows.ERROR_ALREADY_EXISTS)
		seg, err := mapSegment(handle, name)
		if err != nil {
			return nil, err
		}
		if existed && seg.actual < rsize {
			_ = seg.close()
			return nil, fmt.Errorf("%w: %q holds %d bytes, need %d",
				ErrSizeConflict, name, seg.actual, rsize)
		}
		return seg, nil
	}
	handle, err = windows.OpenFileMapping(
		windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, false, namep)
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("cannot open shared memory segment %q: %w", name, err)
	}
	seg, err := mapSegment(handle, name)
	if err != nil {
		return nil, err
	}
	if seg.actual < rsize {
		_ = seg.close()
		return nil, fmt.Errorf("%w: %q holds %d bytes, need %d",
			ErrSizeConflict, name, seg.actual, rsize)
	}
	return seg, nil
}

// mapSegment maps the whole file mapping into our address space and
// discovers the actual region size, which the kernel rounded up to
// allocation granularity.
func mapSegment(handle windows.Handle, name string) (*windowsSegment, error) {
	addr, err := windows.MapViewOfFile(handle,
		windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, 0)
	if err != nil {
		_ = windows.CloseHandle(handle)
		return nil, fmt.Errorf("cannot map shared memory segment %q: %w", name, err)
	}
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		_ = windows.UnmapViewOfFile(addr)
		_ = windows.CloseHandle(handle)
		return nil, fmt.Errorf("cannot determine size of shared memory segment %q: %w", name, err)
	}
	actual := uint64(info.RegionSize)
	return &windowsSegment{
		handle: handle,
		addr:   addr,
		data:   unsafe.Slice((*byte)(unsafe.Pointer(addr)), actual),
		actual: actual,
	}, nil
}

func (s *windowsSegment) size() uint64  { return s.actual }
func (s *windowsSegment) bytes() []byte { return s.data }

func (s *windowsSegment) close() error {
	err := windows.UnmapViewOfFile(s.addr)
	if cerr := windows.CloseHandle(s.handle); err == nil {
		err = cerr
	}
	return err
}

// unlink is a no-op on Windows: the kernel removes the mapping object
// together with its last open handle.
func (s *windowsSegment) unlink() error { return nil }
