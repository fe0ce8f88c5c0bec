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

// Package snapshot holds the Snapshot lifecycle record: a value type
// carrying a tagged state variant (prepared, inProgress, committed) plus
// lineage and persistence, per spec §3.4.
package snapshot

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	units "github.com/docker/go-units"
)

// Errors of spec §7's SnapshotState kind. ErrInvalidState is returned by
// MarshalJSON and UnmarshalJSON for an invalid, missing or unrecognised
// state; no function in this package returns ErrMissingMountpoint (the
// snapshotter package declares its own). Each is wrapped with the matching
// github.com/containerd/errdefs sentinel so callers can classify
// failures with errdefs.IsFailedPrecondition(err) etc.
var (
	ErrInvalidState      = fmt.Errorf("snapshot: invalid state transition: %w", errdefs.ErrFailedPrecondition)
	ErrMissingMountpoint = fmt.Errorf("snapshot: missing mountpoint: %w", errdefs.ErrFailedPrecondition)
)

// State is the tagged variant carried by a Snapshot, per spec §3.4.
// Exactly one of the three constructors below should be used; the zero
// value is not a valid State.
type State struct {
	kind stateKind

	mountpoint  string // prepared
	operationID string // inProgress

	layerDigest    string // committed
	layerSize      int64
	layerMediaType string
	diffID         string
	diffKey        string
}

type stateKind int

const (
	stateInvalid stateKind = iota
	statePrepared
	stateInProgress
	stateCommitted
)

// Prepared constructs a prepared state backed by mountpoint.
func Prepared(mountpoint string) State {
	return State{kind: statePrepared, mountpoint: mountpoint}
}

// InProgress constructs an in-progress state locked by operationID.
func InProgress(operationID string) State {
	return State{kind: stateInProgress, operationID: operationID}
}

// CommittedParams gathers the fields finalised by a commit, per spec §4.I's
// commit() return shape. DiffID and DiffKey are optional.
type CommittedParams struct {
	LayerDigest    string
	LayerSize      int64
	LayerMediaType string
	DiffID         string
	DiffKey        string
}

// Committed constructs a committed state.
func Committed(p CommittedParams) State {
	return State{
		kind:           stateCommitted,
		layerDigest:    p.LayerDigest,
		layerSize:      p.LayerSize,
		layerMediaType: p.LayerMediaType,
		diffID:         p.DiffID,
		diffKey:        p.DiffKey,
	}
}

// IsFinalized reports whether s is committed.
func (s State) IsFinalized() bool { return s.kind == stateCommitted }

// CanExecute reports whether s is prepared (the only state a differ may
// read from or a commit may consume).
func (s State) CanExecute() bool { return s.kind == statePrepared }

// IsLocked reports whether s is inProgress.
func (s State) IsLocked() bool { return s.kind == stateInProgress }

// Mountpoint returns the prepared mountpoint and true, or ("", false) if s
// is not prepared.
func (s State) Mountpoint() (string, bool) {
	if s.kind != statePrepared {
		return "", false
	}
	return s.mountpoint, true
}

// OperationID returns the in-progress operation id and true, or ("", false)
// if s is not inProgress.
func (s State) OperationID() (string, bool) {
	if s.kind != stateInProgress {
		return "", false
	}
	return s.operationID, true
}

// CommittedFields returns the committed fields and true, or (zero, false) if
// s is not committed.
func (s State) CommittedFields() (CommittedParams, bool) {
	if s.kind != stateCommitted {
		return CommittedParams{}, false
	}
	return CommittedParams{
		LayerDigest:    s.layerDigest,
		LayerSize:      s.layerSize,
		LayerMediaType: s.layerMediaType,
		DiffID:         s.diffID,
		DiffKey:        s.diffKey,
	}, true
}

func (s State) String() string {
	switch s.kind {
	case statePrepared:
		return fmt.Sprintf("prepared(%s)", s.mountpoint)
	case stateInProgress:
		return fmt.Sprintf("inProgress(%s)", s.operationID)
	case stateCommitted:
		return fmt.Sprintf("committed(%s, %s)", s.layerDigest, units.HumanSize(float64(s.layerSize)))
	default:
		return "invalid"
	}
}

// Parent is an owning reference to another Snapshot in the lineage DAG,
// per spec §9's "represent parents as owning references or identifier
// handles" note. It never embeds a live pointer back into a mutable
// snapshot table, only the stable id and a cached digest.
type Parent struct {
	ID     string
	Digest string
}

// Snapshot is a lifecycle record over a filesystem state, per spec §3.4.
type Snapshot struct {
	ID        string
	Digest    string
	Size      int64
	Parent    *Parent
	CreatedAt time.Time
	State     State
}

// New constructs a freshly prepared Snapshot with no parent.
func New(id, mountpoint string) Snapshot {
	return Snapshot{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		State:     Prepared(mountpoint),
	}
}

// WithParent returns a copy of s with its parent set.
func (s Snapshot) WithParent(p Parent) Snapshot {
	s.Parent = &p
	return s
}
