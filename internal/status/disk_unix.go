//go:build unix

package status

import "golang.org/x/sys/unix"

func diskSpace(path string) *DiskSpace {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil
	}
	bsize := uint64(st.Bsize)
	return usage(uint64(st.Blocks)*bsize, uint64(st.Bavail)*bsize)
}
