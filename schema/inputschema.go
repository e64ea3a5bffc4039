// Copyright 2026 Cordon Labs
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

package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// InputSchemaFor derives a ToolDefinition input schema from a Go argument
// struct using json and jsonschema tags. Adapters declare typed argument
// structs instead of hand-writing schema maps.
//
// Supported tags:
//   - json:"name"                          parameter name
//   - json:",omitempty"                    optional parameter
//   - jsonschema:"required"                explicitly required
//   - jsonschema:"description=..."         parameter description
//   - jsonschema:"enum=a|b"                allowed values
//   - jsonschema:"minimum=N,maximum=M"     numeric constraints
func InputSchemaFor[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	s := reflector.Reflect(new(T))

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}

// MustInputSchemaFor is InputSchemaFor for adapter init paths where a broken
// argument struct is a programming error.
func MustInputSchemaFor[T any]() map[string]any {
	m, err := InputSchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return m
}
