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

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	t.Run("duplicate registration rejected", func(t *testing.T) {
		err := r.Register("a", 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("empty name rejected", func(t *testing.T) {
		require.Error(t, r.Register("", 4))
	})

	t.Run("get and names", func(t *testing.T) {
		v, ok := r.Get("a")
		require.True(t, ok)
		assert.Equal(t, 1, v)

		_, ok = r.Get("missing")
		assert.False(t, ok)

		assert.Equal(t, []string{"a", "b"}, r.Names())
		assert.Equal(t, 2, r.Count())
		assert.Len(t, r.List(), 2)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, r.Remove("b"))
		require.Error(t, r.Remove("b"))
		assert.Equal(t, 1, r.Count())
	})

	t.Run("clear", func(t *testing.T) {
		r.Clear()
		assert.Equal(t, 0, r.Count())
	})
}
