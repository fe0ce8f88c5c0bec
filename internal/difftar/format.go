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

// Package difftar implements the Tar Archive Differ: staging of change
// entries into an OCI-compatible tar layer with whiteout synthesis and xattr
// sidecars, and the inverse chained-layer apply, per spec §4.G.
package difftar

import (
	"fmt"

	"github.com/containerd/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrNotImplemented is returned for reserved-but-unsupported pathways
// (zstd, estargz), per spec §4.G's format table.
var ErrNotImplemented = fmt.Errorf("difftar: not implemented: %w", errdefs.ErrNotImplemented)

// Format selects the layer's compression and media type.
type Format string

// Supported and reserved formats.
const (
	FormatUncompressed Format = "uncompressed"
	FormatGzip         Format = "gzip"
	FormatZstd         Format = "zstd"
	FormatEstargz      Format = "estargz"
)

// MediaType returns the OCI media type for f.
func (f Format) MediaType() (string, error) {
	switch f {
	case FormatUncompressed:
		return ocispec.MediaTypeImageLayer, nil
	case FormatGzip:
		return ocispec.MediaTypeImageLayerGzip, nil
	case FormatZstd:
		return "application/vnd.oci.image.layer.v1.tar+zstd", nil
	case FormatEstargz:
		return ocispec.MediaTypeImageLayerGzip, nil
	default:
		return "", fmt.Errorf("difftar: unrecognised format %q", f)
	}
}

func (f Format) extension() string {
	if f == FormatGzip || f == FormatEstargz {
		return ".tar.gz"
	}
	return ".tar"
}

func (f Format) supported() bool {
	return f == FormatUncompressed || f == FormatGzip
}

// Descriptor annotation keys emitted by Diff, per spec §6.2.
const (
	AnnotationDiffFormat  = "com.apple.container-build.diff.format"
	AnnotationDiffCreated = "com.apple.container-build.diff.created"
	AnnotationDiffBase    = "com.apple.container-build.diff.base"
	AnnotationDiffTarget  = "com.apple.container-build.diff.target"
	AnnotationLayerDiffID = "com.apple.container-build.layer.diff_id"
)
