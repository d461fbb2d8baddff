//go:build linux

package checkpoint

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// cloneOrCopy tries a FICLONE reflink first; filesystems without
// reflink support (or cross-device pairs) fall back to a byte copy.
func cloneOrCopy(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	cloneErr := unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
	if cloneErr == nil {
		return out.Close()
	}
	out.Close()
	if !reflinkUnsupported(cloneErr) {
		return cloneErr
	}
	return byteCopy(src, dst, mode)
}

func reflinkUnsupported(err error) bool {
	return errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ENOTTY)
}
