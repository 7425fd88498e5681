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


package core

import "errors"

// Domain validation errors
var (
	// ErrInvalidObject indicates an Object failed validation.
	ErrInvalidObject = errors.New("invalid object")

	// ErrEmptyKind indicates the Kind field is empty.
	ErrEmptyKind = errors.New("object kind cannot be empty")

	// ErrEmptyFieldName indicates a field with an empty name.
	ErrEmptyFieldName = errors.New("field name cannot be empty")

	// ErrNilFieldValue indicates a field holding a nil value.
	ErrNilFieldValue = errors.New("field value cannot be nil")

	// ErrEmptyProjectName indicates a project or model without a project name.
	ErrEmptyProjectName = errors.New("project name cannot be empty")

	// ErrUnknownField indicates an update naming a field the object lacks.
	ErrUnknownField = errors.New("unknown field")

	// ErrImmutableField indicates an update to a static field.
	ErrImmutableField = errors.New("immutable field")

	// ErrProvisionalRef indicates a committed value still holding a
	// provisional reference. Provisional IDs must never be durable.
	ErrProvisionalRef = errors.New("provisional reference escaped transaction")
)
