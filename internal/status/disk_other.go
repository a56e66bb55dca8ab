//go:build !unix

package status

func diskSpace(string) *DiskSpace { return nil }
