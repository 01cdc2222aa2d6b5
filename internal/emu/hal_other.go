//go:build !linux

package emu

func mapBacking(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapBacking([]byte) error { return nil }
