//go:build windows

package store

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func volumeStats(path string) (total, used, available int64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("utf16 path: %w", err)
	}
	var free, size, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p,
		(*uint64)(unsafe.Pointer(&free)),
		(*uint64)(unsafe.Pointer(&size)),
		(*uint64)(unsafe.Pointer(&totalFree)),
	); err != nil {
		return 0, 0, 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return int64(size), int64(size - totalFree), int64(free), nil
}
