//go:build linux || darwin || freebsd

package txn

import "golang.org/x/sys/unix"

// availableBytes reports the space usable by an unprivileged caller on
// the filesystem holding path.
func availableBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
