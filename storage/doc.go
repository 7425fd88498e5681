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


// Package storage defines the durable storage contract of modeldepot.
//
// The store's durable form is a linear history of commit records. Each
// record carries the object versions one transaction wrote, addressed
// by (object ID, commit sequence number). Backends never interpret
// object bytes; they only persist the history and answer versioned
// point lookups.
//
// # Backend Contract
//
// A Backend must provide three things:
//
//   - Append: atomic, linearizable addition of the next commit record.
//     A record naming a stale predecessor is rejected, which is how
//     commit serialization works across processes and machines.
//   - Fetch: the version of an object with the greatest commit
//     sequence number not exceeding an as-of timestamp.
//   - ScanCommits: ordered replay of history from a given sequence
//     number, used by transaction managers to catch their conflict
//     tables and metadata indices up after inactivity.
//
// Three implementations ship in sub-packages:
//
//   - storage/filelog: single append-only log file with per-record
//     checksums, in the spirit of a classic file storage.
//   - storage/badgerstore: embedded BadgerDB key-value store.
//   - storage/sqlstore: relational databases (sqlite, postgres, mysql)
//     via database/sql, where a primary-key constraint on the commit
//     sequence number serves as the cross-process append arbiter.
//
// # Serialization
//
// EncodeObject/DecodeObject and EncodeCommitRecord/DecodeCommitRecord
// implement the versioned wire format: a one-byte format tag followed
// by a msgpack body. Unknown tags fail with ErrSchemaVersion; malformed
// bodies fail with ErrCorruptRecord. Object references are encoded as
// IDs, never as embedded copies, so shared and cyclic object graphs
// survive round-trips under reference identity.
//
// # Thread Safety
//
// All Backend implementations must be safe for concurrent use from
// multiple goroutines.
package storage
