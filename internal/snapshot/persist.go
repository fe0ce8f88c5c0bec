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

package snapshot

import (
	"encoding/json"
	"fmt"
	"time"
)

// parseTimestamp accepts RFC 3339 with or without fractional seconds, the
// two ISO-8601 profiles a generic serialiser is likely to emit.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// wireState is the on-disk shape of a State: a discriminant tag plus the
// fields relevant to that tag, so unknown/absent fields round-trip as
// zero values rather than ambiguous nulls.
type wireState struct {
	Kind string `json:"kind"`

	Mountpoint  string `json:"mountpoint,omitempty"`
	OperationID string `json:"operationId,omitempty"`

	LayerDigest    string `json:"layerDigest,omitempty"`
	LayerSize      int64  `json:"layerSize,omitempty"`
	LayerMediaType string `json:"layerMediaType,omitempty"`
	DiffID         string `json:"diffId,omitempty"`
	DiffKey        string `json:"diffKey,omitempty"`
}

// wireSnapshot is the on-disk shape of a Snapshot, per spec §6.4: a
// generic serialiser using ISO-8601 dates (CreatedAt is written by
// MarshalJSON as RFC 3339 in UTC with nine fractional-second digits) with
// layerDigest/diffID/diffKey persisted verbatim as strings.
type wireSnapshot struct {
	ID        string     `json:"id"`
	Digest    string     `json:"digest"`
	Size      int64      `json:"size"`
	Parent    *Parent    `json:"parent,omitempty"`
	CreatedAt string     `json:"createdAt"`
	State     *wireState `json:"state"`
}

// MarshalJSON implements json.Marshaler, encoding State as a discriminated
// object and CreatedAt as RFC 3339 (ISO-8601).
func (s Snapshot) MarshalJSON() ([]byte, error) {
	ws := &wireState{}
	switch {
	case s.State.kind == statePrepared:
		ws.Kind = "prepared"
		ws.Mountpoint = s.State.mountpoint
	case s.State.kind == stateInProgress:
		ws.Kind = "inProgress"
		ws.OperationID = s.State.operationID
	case s.State.kind == stateCommitted:
		ws.Kind = "committed"
		ws.LayerDigest = s.State.layerDigest
		ws.LayerSize = s.State.layerSize
		ws.LayerMediaType = s.State.layerMediaType
		ws.DiffID = s.State.diffID
		ws.DiffKey = s.State.diffKey
	default:
		return nil, fmt.Errorf("snapshot: %w: cannot marshal invalid state", ErrInvalidState)
	}

	return json.Marshal(wireSnapshot{
		ID:        s.ID,
		Digest:    s.Digest,
		Size:      s.Size,
		Parent:    s.Parent,
		CreatedAt: s.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		State:     ws,
	})
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("snapshot: decode: %w", err)
	}
	if w.State == nil {
		return fmt.Errorf("snapshot: %w: missing state", ErrInvalidState)
	}

	createdAt, err := parseTimestamp(w.CreatedAt)
	if err != nil {
		return fmt.Errorf("snapshot: decode createdAt: %w", err)
	}

	var state State
	switch w.State.Kind {
	case "prepared":
		state = Prepared(w.State.Mountpoint)
	case "inProgress":
		state = InProgress(w.State.OperationID)
	case "committed":
		state = Committed(CommittedParams{
			LayerDigest:    w.State.LayerDigest,
			LayerSize:      w.State.LayerSize,
			LayerMediaType: w.State.LayerMediaType,
			DiffID:         w.State.DiffID,
			DiffKey:        w.State.DiffKey,
		})
	default:
		return fmt.Errorf("snapshot: %w: unrecognised state kind %q", ErrInvalidState, w.State.Kind)
	}

	s.ID = w.ID
	s.Digest = w.Digest
	s.Size = w.Size
	s.Parent = w.Parent
	s.CreatedAt = createdAt
	s.State = state
	return nil
}
