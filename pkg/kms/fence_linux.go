package kms

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// syncFileFence is a sync_file descriptor returned through OUT_FENCE_PTR.
// It becomes readable once the fence signals.
type syncFileFence struct {
	mu sync.Mutex
	fd int
}

// NewSyncFileFence takes ownership of a sync_file descriptor.
func NewSyncFileFence(fd int) Fence {
	return &syncFileFence{fd: fd}
}

func (f *syncFileFence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	fd := f.fd
	f.mu.Unlock()
	if fd < 0 {
		return ErrFenceClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll fence fd %d: %w", fd, err)
		}
		if n == 0 {
			return ErrFenceTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("fence fd %d: poll revents %#x", fd, fds[0].Revents)
		}
		return nil
	}
}

func (f *syncFileFence) FD() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fd
}

func (f *syncFileFence) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}
