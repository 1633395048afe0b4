//go:build !unix

package ckpt

import "os"

func mapFile(f *os.File, size int) ([]byte, bool, error) {
	data, err := readAllAt(f, size)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

func unmapFile([]byte) error {
	return nil
}
