// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devicestore persists the single stable deviceId this client
// sends in its stream-registration datagram, created once on first run.
package devicestore

import (
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Record is the on-disk, CBOR-encoded persisted state.
type Record struct {
	DeviceID uuid.UUID `cbor:"device_id"`
}

// Load reads the Record at path, creating and persisting a new one (with a
// freshly generated DeviceID) if path doesn't exist yet. Safe to call
// repeatedly: once created, the same DeviceID is returned every time.
func Load(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var rec Record
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return Record{}, errors.Wrap(err, "devicestore: decode")
		}
		return rec, nil
	}
	if !os.IsNotExist(err) {
		return Record{}, errors.Wrap(err, "devicestore: read")
	}

	rec := Record{DeviceID: uuid.New()}
	if err := Save(path, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Save writes rec to path, creating parent directories as needed.
func Save(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "devicestore: mkdir")
	}

	data, err := cbor.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "devicestore: encode")
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "devicestore: write")
	}
	return nil
}
