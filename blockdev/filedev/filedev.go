// Package filedev backs blockdev.Device with a real file on the host,
// for running the kernel under an emulator against a disk image instead
// of the in-memory device tests use. It is host-side tooling, not part
// of the freestanding kernel binary, so it is free to use
// golang.org/x/sys/unix for fixed-size pread/pwrite against the image
// file.
package filedev

import (
	"fmt"

	"golang.org/x/sys/unix"

	"rvcore/blockdev"
)

// Filedev is a blockdev.Device backed by an open file descriptor.
type Filedev struct {
	fd     int
	blocks int
}

// Open opens path (which must already exist and be at least blocks
// blocks long) for reading and writing block-by-block.
func Open(path string, blocks int) (*Filedev, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("filedev: open %s: %w", path, err)
	}
	return &Filedev{fd: fd, blocks: blocks}, nil
}

// Close releases the underlying file descriptor.
func (d *Filedev) Close() error {
	return unix.Close(d.fd)
}

func (d *Filedev) Blocks() int { return d.blocks }

func (d *Filedev) ReadBlock(bid int, buf []byte) error {
	if len(buf) != blockdev.BlockSize {
		return fmt.Errorf("filedev: read buffer must be %d bytes", blockdev.BlockSize)
	}
	n, err := unix.Pread(d.fd, buf, int64(bid)*blockdev.BlockSize)
	if err != nil {
		return fmt.Errorf("filedev: pread block %d: %w", bid, err)
	}
	if n != blockdev.BlockSize {
		return fmt.Errorf("filedev: short read on block %d: %d bytes", bid, n)
	}
	return nil
}

func (d *Filedev) WriteBlock(bid int, buf []byte) error {
	if len(buf) != blockdev.BlockSize {
		return fmt.Errorf("filedev: write buffer must be %d bytes", blockdev.BlockSize)
	}
	n, err := unix.Pwrite(d.fd, buf, int64(bid)*blockdev.BlockSize)
	if err != nil {
		return fmt.Errorf("filedev: pwrite block %d: %w", bid, err)
	}
	if n != blockdev.BlockSize {
		return fmt.Errorf("filedev: short write on block %d: %d bytes", bid, n)
	}
	return nil
}

var _ blockdev.Device = (*Filedev)(nil)
