// Copyright 2025 Author(s) of MCP Any
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
//
// SPDX-License-Identifier: Apache-2.0

package registry

import "encoding/json"

// MarshalJSON emits either the literal string or the {source,service,key} object.
func (v EnvValue) MarshalJSON() ([]byte, error) {
	if v.IsRef {
		return json.Marshal(v.Ref)
	}
	return json.Marshal(v.Literal)
}

// UnmarshalJSON accepts a plain string or a credential-reference object.
func (v *EnvValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.IsRef = false
		v.Literal = s
		return nil
	}
	var ref CredentialRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	v.IsRef = true
	v.Ref = ref
	return nil
}
