//go:build unix

package ckpt

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile prefers a read-only mapping for zero-copy tensor access and
// falls back to ReadAt when the filesystem refuses mmap.
func mapFile(f *os.File, size int) ([]byte, bool, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return data, true, nil
	}
	data, err = readAllAt(f, size)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}
