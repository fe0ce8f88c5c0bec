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

package difftar

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/apple/container-diff/internal/contentstore"
)

func TestDiffScratchProducesGzipDescriptor(t *testing.T) {
	target := fs.NewDir(t, "target", fs.WithFile("a.txt", "A"))
	defer target.Remove()

	store := contentstore.NewFakeStore()
	result, err := Diff(context.Background(), DiffInput{
		Store:            store,
		TargetMountpoint: target.Path(),
		TargetDigest:     "sha256:target",
		Format:           FormatGzip,
	})
	assert.NilError(t, err)

	assert.Assert(t, strings.Contains(result.Descriptor.MediaType, "+gzip"))
	assert.Assert(t, result.Descriptor.Size > 0)
	assert.Assert(t, strings.HasPrefix(result.Descriptor.Digest.String(), "sha256:"))
	assert.Equal(t, result.Descriptor.Annotations[AnnotationDiffBase], "scratch")
	assert.Equal(t, result.Descriptor.Annotations[AnnotationDiffFormat], "gzip")
	assert.Assert(t, strings.HasPrefix(result.Descriptor.Annotations[AnnotationLayerDiffID], "sha256:"))

	dest := t.TempDir()
	layerPath := writeBlobToTemp(t, store, result.Descriptor)
	assert.NilError(t, ApplyChain(context.Background(), dest, []LayerRef{{Path: layerPath, MediaType: result.Descriptor.MediaType}}))

	data, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "A")
}

func TestDiffModifyThenApplyOverridesContent(t *testing.T) {
	base := fs.NewDir(t, "base", fs.WithFile("x.txt", "1"))
	defer base.Remove()
	target := fs.NewDir(t, "target", fs.WithFile("x.txt", "2"))
	defer target.Remove()

	store := contentstore.NewFakeStore()
	result, err := Diff(context.Background(), DiffInput{
		Store:            store,
		BaseMountpoint:   base.Path(),
		BaseDigest:       "sha256:base",
		TargetMountpoint: target.Path(),
		TargetDigest:     "sha256:target",
		Format:           FormatGzip,
	})
	assert.NilError(t, err)
	assert.Equal(t, len(result.Diffs), 1)

	dest := copyDir(t, base.Path())
	layerPath := writeBlobToTemp(t, store, result.Descriptor)
	assert.NilError(t, ApplyChain(context.Background(), dest, []LayerRef{{Path: layerPath, MediaType: result.Descriptor.MediaType}}))

	data, err := os.ReadFile(filepath.Join(dest, "x.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "2")
}

func TestDiffDeleteProducesWhiteoutAndApplyRemoves(t *testing.T) {
	base := fs.NewDir(t, "base", fs.WithFile("keep.txt", "k"), fs.WithFile("gone.txt", "g"))
	defer base.Remove()
	target := fs.NewDir(t, "target", fs.WithFile("keep.txt", "k"))
	defer target.Remove()

	store := contentstore.NewFakeStore()
	result, err := Diff(context.Background(), DiffInput{
		Store:            store,
		BaseMountpoint:   base.Path(),
		TargetMountpoint: target.Path(),
		Format:           FormatUncompressed,
	})
	assert.NilError(t, err)

	dest := copyDir(t, base.Path())
	layerPath := writeBlobToTemp(t, store, result.Descriptor)
	assert.NilError(t, ApplyChain(context.Background(), dest, []LayerRef{{Path: layerPath, MediaType: result.Descriptor.MediaType}}))

	_, err = os.Stat(filepath.Join(dest, "gone.txt"))
	assert.Assert(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dest, "keep.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "k")

	_, err = os.Stat(filepath.Join(dest, ".wh.gone.txt"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestDiffSymlinkRetargetApply(t *testing.T) {
	base := fs.NewDir(t, "base", fs.WithFile("a.txt", "x"))
	defer base.Remove()
	assert.NilError(t, os.WriteFile(base.Join("a2.txt"), []byte("y"), 0o644))
	assert.NilError(t, os.Symlink("a.txt", base.Join("link")))

	target := fs.NewDir(t, "target", fs.WithFile("a.txt", "x"))
	defer target.Remove()
	assert.NilError(t, os.WriteFile(target.Join("a2.txt"), []byte("y"), 0o644))
	assert.NilError(t, os.Symlink("a2.txt", target.Join("link")))

	store := contentstore.NewFakeStore()
	result, err := Diff(context.Background(), DiffInput{
		Store:            store,
		BaseMountpoint:   base.Path(),
		TargetMountpoint: target.Path(),
		Format:           FormatGzip,
	})
	assert.NilError(t, err)

	dest := copyDir(t, base.Path())
	layerPath := writeBlobToTemp(t, store, result.Descriptor)
	assert.NilError(t, ApplyChain(context.Background(), dest, []LayerRef{{Path: layerPath, MediaType: result.Descriptor.MediaType}}))

	got, err := os.Readlink(filepath.Join(dest, "link"))
	assert.NilError(t, err)
	assert.Equal(t, got, "a2.txt")
}

func TestDiffPermissionsOnlyPreservedOnApply(t *testing.T) {
	base := fs.NewDir(t, "base")
	defer base.Remove()
	assert.NilError(t, os.WriteFile(base.Join("f"), []byte("same"), 0o644))

	target := fs.NewDir(t, "target")
	defer target.Remove()
	assert.NilError(t, os.WriteFile(target.Join("f"), []byte("same"), 0o600))

	store := contentstore.NewFakeStore()
	result, err := Diff(context.Background(), DiffInput{
		Store:            store,
		BaseMountpoint:   base.Path(),
		TargetMountpoint: target.Path(),
		Format:           FormatGzip,
	})
	assert.NilError(t, err)

	dest := copyDir(t, base.Path())
	layerPath := writeBlobToTemp(t, store, result.Descriptor)
	assert.NilError(t, ApplyChain(context.Background(), dest, []LayerRef{{Path: layerPath, MediaType: result.Descriptor.MediaType}}))

	info, err := os.Stat(filepath.Join(dest, "f"))
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0o600))
}

func TestDiffUnsupportedFormatFailsFast(t *testing.T) {
	target := fs.NewDir(t, "target", fs.WithFile("a.txt", "A"))
	defer target.Remove()

	store := contentstore.NewFakeStore()
	_, err := Diff(context.Background(), DiffInput{
		Store:            store,
		TargetMountpoint: target.Path(),
		Format:           FormatZstd,
	})
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.Equal(t, store.CancelCount, 0)
}

func TestOpaqueMarkerClearsDirectoryButKeepsIt(t *testing.T) {
	dest := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(dest, "dir"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dest, "dir", "stale.txt"), []byte("x"), 0o644))

	layerPath := filepath.Join(t.TempDir(), "layer.tar")
	writeRawTar(t, layerPath, []tarEntrySpec{
		{name: "dir/.wh..wh..opq", typeflag: tar.TypeReg},
		{name: "dir/fresh.txt", typeflag: tar.TypeReg, content: []byte("new")},
	})

	assert.NilError(t, ApplyChain(context.Background(), dest, []LayerRef{{Path: layerPath, MediaType: "application/vnd.oci.image.layer.v1.tar"}}))

	_, err := os.Stat(filepath.Join(dest, "dir", "stale.txt"))
	assert.Assert(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dest, "dir", "fresh.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "new")
	info, err := os.Stat(filepath.Join(dest, "dir"))
	assert.NilError(t, err)
	assert.Assert(t, info.IsDir())
}

func TestApplyRejectsPathTraversal(t *testing.T) {
	dest := t.TempDir()
	layerPath := filepath.Join(t.TempDir(), "layer.tar")
	writeRawTar(t, layerPath, []tarEntrySpec{
		{name: "../escape.txt", typeflag: tar.TypeReg, content: []byte("evil")},
	})

	err := ApplyChain(context.Background(), dest, []LayerRef{{Path: layerPath, MediaType: "application/vnd.oci.image.layer.v1.tar"}})
	assert.ErrorContains(t, err, "path traversal")
}

// writeBlobToTemp fetches a descriptor's bytes from the store and writes
// them to a temp file with the extension implied by the media type, so
// ApplyChain can read them back as a LayerRef.
func writeBlobToTemp(t *testing.T, store *contentstore.FakeStore, desc ocispec.Descriptor) string {
	t.Helper()
	content, err := store.Get(context.Background(), desc.Digest)
	assert.NilError(t, err)

	ext := ".tar"
	if strings.Contains(desc.MediaType, "+gzip") {
		ext = ".tar.gz"
	}
	path := filepath.Join(t.TempDir(), "layer"+ext)
	assert.NilError(t, os.WriteFile(path, content.Data(), 0o644))
	return path
}

func copyDir(t *testing.T, src string) string {
	t.Helper()
	dest := t.TempDir()
	entries, err := os.ReadDir(src)
	assert.NilError(t, err)
	for _, e := range entries {
		copyTreeEntry(t, filepath.Join(src, e.Name()), filepath.Join(dest, e.Name()))
	}
	return dest
}

func copyTreeEntry(t *testing.T, src, dst string) {
	t.Helper()
	info, err := os.Lstat(src)
	assert.NilError(t, err)
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		assert.NilError(t, err)
		assert.NilError(t, os.Symlink(target, dst))
	case info.IsDir():
		assert.NilError(t, os.MkdirAll(dst, info.Mode().Perm()))
		entries, err := os.ReadDir(src)
		assert.NilError(t, err)
		for _, e := range entries {
			copyTreeEntry(t, filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()))
		}
	default:
		data, err := os.ReadFile(src)
		assert.NilError(t, err)
		assert.NilError(t, os.WriteFile(dst, data, info.Mode().Perm()))
	}
}

type tarEntrySpec struct {
	name     string
	typeflag byte
	content  []byte
}

// writeRawTar writes a hand-specified uncompressed tar, used to exercise
// apply-side semantics (opaque markers, path traversal) independent of the
// differ's own output.
func writeRawTar(t *testing.T, path string, specs []tarEntrySpec) {
	t.Helper()
	f, err := os.Create(path)
	assert.NilError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for _, s := range specs {
		assert.NilError(t, tw.WriteHeader(&tar.Header{
			Typeflag: s.typeflag,
			Name:     s.name,
			Mode:     0o644,
			Size:     int64(len(s.content)),
		}))
		if len(s.content) > 0 {
			_, err := tw.Write(s.content)
			assert.NilError(t, err)
		}
	}
	assert.NilError(t, tw.Close())
}
