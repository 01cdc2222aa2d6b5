//go:build linux

package emu

import "golang.org/x/sys/unix"

func mapBacking(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func unmapBacking(mem []byte) error {
	return unix.Munmap(mem)
}
