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

// Package xattrcodec implements the stable binary encoding for xattr
// entries used both for on-disk sidecars and for hashing, per spec §4.F.
package xattrcodec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"sort"

	"github.com/apple/container-diff/internal/attrs"
)

// Encode serialises entries in sorted canonical-key order using the frame
// u32_be keyLen | key utf-8 | u32_be valueLen | value bytes, repeated.
func Encode(entries []attrs.XAttrEntry) []byte {
	sorted := sortedCopy(entries)

	var buf bytes.Buffer
	for _, e := range sorted {
		writeFrame(&buf, []byte(e.Key), e.Value)
	}
	return buf.Bytes()
}

func writeFrame(buf *bytes.Buffer, key, value []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(key)))
	buf.Write(lenBuf[:])
	buf.Write(key)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	buf.Write(lenBuf[:])
	buf.Write(value)
}

// Decode parses the Encode framing. Malformed input yields an empty (not
// nil-erroring) result, per spec §4.F's tolerant-decode requirement.
func Decode(data []byte) []attrs.XAttrEntry {
	var out []attrs.XAttrEntry
	rest := data
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil
		}
		keyLen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(keyLen) > uint64(len(rest)) {
			return nil
		}
		key := string(rest[:keyLen])
		rest = rest[keyLen:]

		if len(rest) < 4 {
			return nil
		}
		valLen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(valLen) > uint64(len(rest)) {
			return nil
		}
		value := append([]byte(nil), rest[:valLen]...)
		rest = rest[valLen:]

		out = append(out, attrs.XAttrEntry{Key: key, Value: value})
	}
	return out
}

// DigestInput serialises entries for DiffKey hashing per spec §4.H: each
// entry as "key\nbase64(value)\n", sorted by canonical key. This differs
// from Encode's binary framing but both are byte-stable across platforms.
func DigestInput(entries []attrs.XAttrEntry) []byte {
	sorted := sortedCopy(entries)

	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(e.Key)
		buf.WriteByte('\n')
		buf.WriteString(base64.StdEncoding.EncodeToString(e.Value))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func sortedCopy(entries []attrs.XAttrEntry) []attrs.XAttrEntry {
	sorted := make([]attrs.XAttrEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})
	return sorted
}
