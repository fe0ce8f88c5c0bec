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

// Package diffmeta compares two NormalizedFileAttributes records and two
// regular files' bytes, and orchestrates the two into a single per-file
// verdict, per spec §4.B, §4.C, §4.D.
package diffmeta

import (
	"bytes"
	"context"
	"crypto/sha256"
	"hash"
	"io"
	"os"

	"github.com/apple/container-diff/internal/attrs"
	"github.com/apple/container-diff/internal/diffmodel"
	"github.com/apple/container-diff/internal/xattrcodec"
)

// Verdict is the outcome of comparing two nodes.
type Verdict string

// Recognised verdicts.
const (
	VerdictNoChange              Verdict = "noChange"
	VerdictMetadataOnly          Verdict = "metadataOnly"
	VerdictContentChanged        Verdict = "contentChanged"
	VerdictTypeChanged           Verdict = "typeChanged"
	VerdictSymlinkTargetChanged  Verdict = "symlinkTargetChanged"
)

// ModifiedKind converts a Verdict to the diffmodel.ModifiedKind used on a
// Diff entry. Panics if v is VerdictNoChange, since no Diff is emitted then.
func (v Verdict) ModifiedKind() diffmodel.ModifiedKind {
	switch v {
	case VerdictMetadataOnly:
		return diffmodel.ModifiedMetadataOnly
	case VerdictContentChanged:
		return diffmodel.ModifiedContentChanged
	case VerdictTypeChanged:
		return diffmodel.ModifiedTypeChanged
	case VerdictSymlinkTargetChanged:
		return diffmodel.ModifiedSymlinkTargetChanged
	default:
		panic("diffmeta: no ModifiedKind for " + string(v))
	}
}

// CompareMetadata implements the File Metadata Differ, spec §4.B.
func CompareMetadata(old, new *attrs.Attributes) Verdict {
	if old.Type != new.Type {
		return VerdictTypeChanged
	}

	if old.Type == attrs.TypeSymlink && !bytes.Equal(old.SymlinkTarget, new.SymlinkTarget) {
		return VerdictSymlinkTargetChanged
	}

	if modeDiffers(old.Mode, new.Mode) ||
		uint32PtrDiffers(old.UID, new.UID) ||
		uint32PtrDiffers(old.GID, new.GID) ||
		int64PtrDiffers(old.MtimeNS, new.MtimeNS) ||
		int64PtrDiffers(old.CtimeNS, new.CtimeNS) ||
		!bytes.Equal(xattrcodec.DigestInput(old.XAttrs), xattrcodec.DigestInput(new.XAttrs)) {
		return VerdictMetadataOnly
	}

	// Size differences on non-regular nodes count as metadata changes; for
	// regular files, size comparison is reserved for the content differ.
	if old.Type != attrs.TypeRegular && int64PtrDiffers(old.Size, new.Size) {
		return VerdictMetadataOnly
	}

	return VerdictNoChange
}

func modeDiffers(a, b *uint32) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

func uint32PtrDiffers(a, b *uint32) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

func int64PtrDiffers(a, b *int64) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

// ContentHasher constructs the hash.Hash used to compare regular-file
// bytes. A nil ContentHasher selects sha256.New.
type ContentHasher func() hash.Hash

// CompareContent implements the File Content Differ, spec §4.C: streams
// both files through hasher in chunks and reports whether their digests
// differ. It never loads either file into memory as a whole.
func CompareContent(ctx context.Context, oldPath, newPath string, hasher ContentHasher) (changed bool, err error) {
	if hasher == nil {
		hasher = sha256.New
	}
	oldDigest, err := hashFile(ctx, oldPath, hasher)
	if err != nil {
		return false, err
	}
	newDigest, err := hashFile(ctx, newPath, hasher)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(oldDigest, newDigest), nil
}

func hashFile(ctx context.Context, path string, hasher ContentHasher) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := hasher()
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	return h.Sum(nil), nil
}

// DiffFile implements the File Differ, spec §4.D: combines the metadata and
// content differs into a single verdict for a pair of nodes.
func DiffFile(ctx context.Context, oldPath, newPath string, old, new *attrs.Attributes, hasher ContentHasher) (Verdict, error) {
	metaVerdict := CompareMetadata(old, new)
	if metaVerdict == VerdictTypeChanged || metaVerdict == VerdictSymlinkTargetChanged {
		return metaVerdict, nil
	}

	if old.Type == attrs.TypeRegular && new.Type == attrs.TypeRegular {
		if old.Size == nil || new.Size == nil || *old.Size != *new.Size {
			return VerdictContentChanged, nil
		}
		changed, err := CompareContent(ctx, oldPath, newPath, hasher)
		if err != nil {
			return "", err
		}
		if changed {
			return VerdictContentChanged, nil
		}
		return metaVerdict, nil
	}

	return metaVerdict, nil
}
