//go:build !linux

package checkpoint

import "io/fs"

// cloneOrCopy has no reflink path off Linux.
func cloneOrCopy(src, dst string, mode fs.FileMode) error {
	return byteCopy(src, dst, mode)
}
