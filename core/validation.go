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

import (
	"errors"
	"fmt"
)

// ValidateObject checks invariants every object must hold before it can
// be staged for commit:
//   - Kind must not be empty and must match the kind field if present
//   - field names must not be empty, values must not be nil
//   - indexed field names must not be empty
//   - model and project objects must carry a project name
func ValidateObject(o *Object) error {
	if o == nil {
		return fmt.Errorf("%w: nil object", ErrInvalidObject)
	}
	if o.Kind == "" {
		return errors.Join(ErrInvalidObject, ErrEmptyKind)
	}
	if kv, ok := o.Fields[FieldKind]; ok {
		if s, ok := kv.(String); !ok || string(s) != o.Kind {
			return fmt.Errorf("%w: kind field %v does not match kind %q", ErrInvalidObject, kv, o.Kind)
		}
	}
	for name, v := range o.Fields {
		if name == "" {
			return errors.Join(ErrInvalidObject, ErrEmptyFieldName)
		}
		if v == nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidObject, name, ErrNilFieldValue)
		}
	}
	for _, name := range o.Indexed {
		if name == "" {
			return errors.Join(ErrInvalidObject, ErrEmptyFieldName)
		}
	}
	switch o.Kind {
	case KindModel, KindProject:
		name, ok := o.Fields[FieldProjectName].(String)
		if !ok || name == "" {
			return errors.Join(ErrInvalidObject, ErrEmptyProjectName)
		}
	}
	return nil
}
