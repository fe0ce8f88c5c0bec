/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package attrs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Inspect reads per-node metadata and (optionally) xattrs for path and
// normalises them per spec §4.A.
func Inspect(path string, opts *Options) (*Attributes, error) {
	var stat unix.Stat_t
	var err error
	if opts.FollowSymlinks {
		err = unix.Stat(path, &stat)
	} else {
		err = unix.Lstat(path, &stat)
	}
	if err != nil {
		return nil, translateStatErr("stat", err)
	}

	a := &Attributes{}
	mode := uint32(stat.Mode) & 0o7777
	a.Mode = &mode

	uid := stat.Uid
	gid := stat.Gid
	a.UID = &uid
	a.GID = &gid

	dev := uint64(stat.Dev)
	ino := stat.Ino
	a.Device = &dev
	a.Inode = &ino

	nlink := uint64(stat.Nlink)
	a.NLink = &nlink

	mtime := floorToGranularity(stat.Mtimespec.Nano(), opts.TimestampGranularityNS)
	ctime := floorToGranularity(stat.Ctimespec.Nano(), opts.TimestampGranularityNS)
	a.MtimeNS = &mtime
	a.CtimeNS = &ctime

	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		a.Type = TypeRegular
		size := stat.Size
		a.Size = &size
	case unix.S_IFDIR:
		a.Type = TypeDirectory
	case unix.S_IFLNK:
		a.Type = TypeSymlink
		if !opts.FollowSymlinks {
			target, err := os.Readlink(path)
			if err != nil {
				return nil, translateStatErr("readlink", err)
			}
			a.SymlinkTarget = []byte(target)
			size := int64(len(target))
			a.Size = &size
		}
	case unix.S_IFCHR:
		a.Type = TypeCharacterDevice
		major, minor := splitDev(uint64(stat.Rdev))
		a.DevMajor, a.DevMinor = &major, &minor
	case unix.S_IFBLK:
		a.Type = TypeBlockDevice
		major, minor := splitDev(uint64(stat.Rdev))
		a.DevMajor, a.DevMinor = &major, &minor
	case unix.S_IFIFO:
		a.Type = TypeFIFO
	case unix.S_IFSOCK:
		a.Type = TypeSocket
	default:
		return nil, fmt.Errorf("attrs: unrecognised mode %o: %w", stat.Mode, ErrUnsupported)
	}

	if opts.EnableXAttrsCapture {
		xattrs, err := captureXAttrs(path, opts)
		if err != nil {
			return nil, err
		}
		a.XAttrs = xattrs
	}

	return a, nil
}

// splitDev decomposes a Darwin rdev value per spec §4.A: the major number
// occupies the top byte, the minor number the remaining 24 bits.
func splitDev(rdev uint64) (uint32, uint32) {
	major := uint32((rdev >> 24) & 0xFF)
	minor := uint32(rdev & 0xFFFFFF)
	return major, minor
}

func translateStatErr(op string, err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("attrs: %s %q: %w", op, "path", ErrNotFound)
	case os.IsPermission(err):
		return fmt.Errorf("attrs: %s: %w", op, ErrPermissionDenied)
	default:
		return &IOError{Op: op, Err: err}
	}
}

// captureXAttrs lists, canonicalises, filters, and fetches xattrs for path,
// enforcing the per-file byte cap from spec §4.A. A filesystem that does not
// support xattrs is treated as having none, not as an error.
func captureXAttrs(path string, opts *Options) ([]XAttrEntry, error) {
	size, err := unix.Listxattr(path, nil)
	if err != nil {
		if err == unix.ENOTSUP {
			return nil, nil
		}
		return nil, &IOError{Op: "listxattr", Err: err}
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(path, buf)
	if err != nil {
		return nil, &IOError{Op: "listxattr", Err: err}
	}

	var entries []XAttrEntry
	var total int
	for _, name := range splitNulTerminated(buf[:n]) {
		canon := canonicalXAttrKey(name)
		if _, skip := opts.XAttrIgnoreList[canon]; skip {
			continue
		}
		vsize, err := unix.Getxattr(path, name, nil)
		if err != nil {
			continue
		}
		value := make([]byte, vsize)
		if vsize > 0 {
			if _, err := unix.Getxattr(path, name, value); err != nil {
				continue
			}
		}
		total += len(value)
		if total > opts.XAttrMaxBytes {
			return nil, fmt.Errorf("attrs: xattr bytes for %s exceed cap %d: %w", path, opts.XAttrMaxBytes, ErrXAttrTooLarge)
		}
		entries = append(entries, XAttrEntry{Key: canon, Value: value})
	}
	sortXAttrs(entries)
	return entries, nil
}

func splitNulTerminated(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
