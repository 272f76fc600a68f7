//go:build !linux
// +build !linux

package source

import "os"

// readMapped reads the whole file; memory mapping is only used on linux.
func readMapped(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, noRelease, nil
}

func noRelease() error { return nil }
