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

// Package snapshotter implements the Tar Archive Snapshotter: the
// prepare/commit/remove lifecycle actor, parent materialisation with
// caching, and orchestration of the Directory Differ, Tar Archive Differ,
// and Diff Key Computer over one committed change set, per spec §4.I.
package snapshotter

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Errors returned by lifecycle operations, per spec §7's SnapshotState kind.
// Each is wrapped with the matching github.com/containerd/errdefs sentinel
// so callers can classify failures with errdefs.IsFailedPrecondition(err).
var (
	ErrSnapshotNotPrepared  = fmt.Errorf("snapshotter: snapshot not prepared: %w", errdefs.ErrFailedPrecondition)
	ErrInvalidSnapshotState = fmt.Errorf("snapshotter: invalid snapshot state: %w", errdefs.ErrFailedPrecondition)
	ErrMissingMountpoint    = fmt.Errorf("snapshotter: missing mountpoint: %w", errdefs.ErrFailedPrecondition)
)

func notPreparedErr(id string) error {
	return fmt.Errorf("%w: %s", ErrSnapshotNotPrepared, id)
}

func invalidStateErr(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSnapshotState, detail)
}

func missingMountpointErr(id string) error {
	return fmt.Errorf("%w: %s", ErrMissingMountpoint, id)
}
