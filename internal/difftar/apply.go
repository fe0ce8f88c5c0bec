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
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/containerd/log"

	"github.com/apple/container-diff/internal/attrs"
	"github.com/apple/container-diff/internal/xattrcodec"
)

// LayerRef identifies one layer to apply: a local path to its tar stream
// and the media type that selects its decompression filter.
type LayerRef struct {
	Path      string
	MediaType string
}

// ApplyChain applies layers in order (base to top) onto root, per spec
// §4.G's Apply method contract. Errors propagate immediately; partial
// application within a layer is expected and not rolled back.
func ApplyChain(ctx context.Context, root string, layers []LayerRef) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("difftar: ensure root %s: %w", root, err)
	}
	for _, l := range layers {
		if err := applyLayer(ctx, root, l); err != nil {
			return fmt.Errorf("difftar: apply layer %s: %w", l.Path, err)
		}
	}
	return nil
}

func applyLayer(ctx context.Context, root string, l LayerRef) error {
	f, err := os.Open(l.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.Contains(l.MediaType, "+zstd") {
		return fmt.Errorf("%w: zstd layer apply", ErrNotImplemented)
	}
	if l.MediaType == "" || strings.Contains(l.MediaType, "+gzip") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)

	// Decoded but intentionally not applied, per spec §9's open question on
	// xattrs-on-apply; collected only for forward compatibility.
	sidecars := make(map[string][]attrs.XAttrEntry)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		name, err := normalizeEntryName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		if strings.HasPrefix(name, ".container/xattrs/") && strings.HasSuffix(name, ".bin") {
			target := strings.TrimSuffix(strings.TrimPrefix(name, ".container/xattrs/"), ".bin")
			data, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			sidecars[target] = xattrcodec.Decode(data)
			continue
		}

		dir, base := path.Split(name)
		dir = strings.TrimSuffix(dir, "/")

		if base == ".wh..wh..opq" {
			target := filepath.Join(root, filepath.FromSlash(dir))
			if err := clearDirContents(target); err != nil {
				return fmt.Errorf("clear opaque dir %s: %w", dir, err)
			}
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			victim := strings.TrimPrefix(base, ".wh.")
			target := filepath.Join(root, filepath.FromSlash(dir), victim)
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("remove whiteout target %s: %w", victim, err)
			}
			continue
		}

		dest := filepath.Join(root, filepath.FromSlash(name))
		if err := materialize(dest, hdr, tr); err != nil {
			return fmt.Errorf("materialise %s: %w", name, err)
		}
	}

	log.G(ctx).WithField("sidecars", len(sidecars)).Debug("difftar: apply complete, xattr sidecars decoded but not applied")
	return nil
}

// normalizeEntryName strips a leading "./" and rejects absolute paths or any
// path containing a ".." component, per spec §4.G. An entry that normalises
// to the archive root itself returns "" and is skipped.
func normalizeEntryName(name string) (string, error) {
	clean := strings.TrimPrefix(name, "./")
	clean = strings.TrimSuffix(clean, "/")
	if clean == "" || clean == "." {
		return "", nil
	}
	if path.IsAbs(clean) {
		return "", fmt.Errorf("difftar: absolute path in layer: %q", name)
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", fmt.Errorf("difftar: path traversal in layer: %q", name)
		}
	}
	return clean, nil
}

func clearDirContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func materialize(dest string, hdr *tar.Header, r io.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		if info, err := os.Lstat(dest); err == nil && !info.IsDir() {
			if err := os.RemoveAll(dest); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(dest, os.FileMode(hdr.Mode&0o7777)); err != nil {
			return err
		}
		_ = os.Chtimes(dest, hdr.ModTime, hdr.ModTime)
		return nil

	case tar.TypeReg, tar.TypeRegA:
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o7777))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		_ = os.Chtimes(dest, hdr.ModTime, hdr.ModTime)
		return nil

	case tar.TypeSymlink:
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, dest)

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return nil

	default:
		return nil
	}
}
