package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// CanCreate reports whether the filesystem holding path has room to grow
// the object at path to size bytes. Bytes the object already occupies count
// as available.
func CanCreate(path string, size uint64) (bool, error) {
	dir := filepath.Dir(path)
	stat, err := disk.Usage(dir)
	if err != nil {
		return false, fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	return stat.Free >= growth(path, size), nil
}

// growth returns how many bytes sizing path to size adds.
func growth(path string, size uint64) uint64 {
	fi, err := os.Stat(path)
	if err != nil {
		return size
	}
	if existing := uint64(fi.Size()); existing < size {
		return size - existing
	}
	return 0
}

// ProcessAlive reports whether a process with the given pid exists.
// Lookup failures count as not alive.
func ProcessAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
