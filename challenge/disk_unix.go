//go:build linux || darwin

package challenge

import "golang.org/x/sys/unix"

func freeDiskSpace(path string) (uint64, error) {
	stat := unix.Statfs_t{}

	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err //nolint: wrapcheck
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint: gosec, unconvert
}
