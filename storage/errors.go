// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import "errors"

var (
	// ErrNotFound indicates that the requested object or version was not found.
	ErrNotFound = errors.New("object not found")

	// ErrRejected indicates an append lost the race for the next commit
	// sequence number to a concurrent writer.
	ErrRejected = errors.New("append rejected: stale predecessor")

	// ErrBackendUnavailable indicates durable storage is unreachable.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrCorruptRecord indicates a stored record failed to decode or
	// failed its checksum.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrSchemaVersion indicates a record with an unknown format tag.
	ErrSchemaVersion = errors.New("unknown serialization format version")

	// ErrStorageClosed indicates that the storage backend is closed.
	ErrStorageClosed = errors.New("storage is closed")
)
