//go:build linux
// +build linux

package source

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapThreshold is the size below which a plain read is cheaper than a mapping.
const mmapThreshold = 1 << 20

// readMapped returns the file contents and a release func. Large files are
// mapped read-only; the data must not be used after release.
func readMapped(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	if size < mmapThreshold {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		return data, noRelease, nil
	}
	if int64(int(size)) != size {
		return nil, nil, fmt.Errorf("file too large to map: %d bytes", size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}

func noRelease() error { return nil }
