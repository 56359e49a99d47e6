package downloader

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

const gigabyte = 1024 * 1024 * 1024

// checkDiskSpace fails when dir has less than the configured number of
// free gigabytes. A zero minimum disables the check.
func (m *Manager) checkDiskSpace(dir string) error {
	if m.cfg.MinFreeSpace <= 0 {
		return nil
	}

	free, err := freeSpace(dir)
	if err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}
	if free == unknownFreeSpace {
		return nil
	}

	required := uint64(m.cfg.MinFreeSpace) * gigabyte
	if free < required {
		return fmt.Errorf("%w: %s free, %s required", ErrInsufficientSpace,
			humanize.IBytes(free), humanize.IBytes(required))
	}
	return nil
}

// unknownFreeSpace is returned on platforms without a free space query
const unknownFreeSpace = ^uint64(0)
