//go:build windows

package downloader

import "golang.org/x/sys/windows"

// freeSpace returns the bytes available to the calling user
func freeSpace(dir string) (uint64, error) {
	path, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(path, &avail, &total, &free); err != nil {
		return 0, err
	}
	return avail, nil
}
