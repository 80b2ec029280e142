//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	protRW    = unix.PROT_READ | unix.PROT_WRITE
	openFlags = unix.O_RDWR | unix.O_CLOEXEC
)

// MapRegion maps or creates a shared memory region (Linux implementation).
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Create {
		return createRegion(opts)
	}
	fd, err := unix.Open(opts.Path, openFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	size, err := fileSize(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if size == 0 || size < opts.MinSize {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s has %d bytes: %w", opts.Path, size, ErrNotSized)
	}
	data, err := unix.Mmap(fd, 0, size, protRW, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Data: data, Path: opts.Path, Fd: fd}, nil
}

// createRegion opens the object, creating it if needed, runs opts.Claim and
// only then sizes and maps it. An object created here is removed again when
// sizing or mapping fails.
func createRegion(opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("create %s: invalid size %d", opts.Path, opts.Size)
	}
	perm := uint32(opts.perm())
	created := true
	fd, err := unix.Open(opts.Path, openFlags|unix.O_CREAT|unix.O_EXCL, perm)
	if errors.Is(err, unix.EEXIST) {
		created = false
		fd, err = unix.Open(opts.Path, openFlags, perm)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}

	var claimed *MappedRegion
	abort := func(unlink bool, err error) (*MappedRegion, error) {
		if claimed != nil {
			if opts.Unclaim != nil {
				opts.Unclaim(claimed)
			}
			_ = unix.Munmap(claimed.Data)
		}
		_ = unix.Close(fd)
		if unlink && created {
			_ = unix.Unlink(opts.Path)
		}
		return nil, err
	}

	size, err := fileSize(fd)
	if err != nil {
		return abort(true, err)
	}
	if !created && size > 0 && size >= opts.MinSize && opts.Claim != nil {
		data, err := unix.Mmap(fd, 0, size, protRW, unix.MAP_SHARED)
		if err != nil {
			return abort(false, fmt.Errorf("mmap: %w", err))
		}
		region := &MappedRegion{Data: data, Path: opts.Path, Fd: -1}
		if err := opts.Claim(region); err != nil {
			_ = unix.Munmap(data)
			return abort(false, err)
		}
		if size == opts.Size {
			region.Fd = fd
			return region, nil
		}
		claimed = region
	}

	if size != opts.Size {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			return abort(true, fmt.Errorf("ftruncate: %w", err))
		}
	}
	data, err := unix.Mmap(fd, 0, opts.Size, protRW, unix.MAP_SHARED)
	if err != nil {
		return abort(true, fmt.Errorf("mmap: %w", err))
	}
	region := &MappedRegion{Data: data, Path: opts.Path, Fd: fd, Created: created}
	if claimed != nil {
		_ = unix.Munmap(claimed.Data)
		return region, nil
	}
	if opts.Claim != nil {
		if err := opts.Claim(region); err != nil {
			// Someone else owns the object now; it is not ours to remove.
			_ = unix.Munmap(data)
			return abort(false, err)
		}
	}
	return region, nil
}

func fileSize(fd int) (int, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return int(st.Size), nil
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
// The backing object is left in place.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Data == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Data = nil
	if region.Fd >= 0 {
		if err := unix.Close(region.Fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd %d: %w", region.Fd, err))
		}
		region.Fd = -1
	}
	return errors.Join(errs...)
}

// Unlink removes the named object. A missing object is not an error.
func Unlink(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}
