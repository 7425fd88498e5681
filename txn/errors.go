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


package txn

import "errors"

var (
	// ErrConflict means another transaction committed an object in this
	// transaction's read or write set after the snapshot was taken. The
	// transaction is dead; the caller decides whether to retry.
	ErrConflict = errors.New("transaction conflict")

	// ErrDanglingReference means a dereferenced object does not exist at
	// the transaction's snapshot.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrTxClosed means the transaction already committed or aborted.
	ErrTxClosed = errors.New("transaction is closed")
)
