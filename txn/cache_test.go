package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/modeldepot/core"
)

func TestVersionCache_RoundTrip(t *testing.T) {
	vc, err := NewVersionCache(128)
	require.NoError(t, err)
	defer vc.Close()

	obj := core.NewProject("cached", "desc")
	vc.Put(7, 3, obj)
	vc.Wait()

	got, ok := vc.Get(7, 3)
	require.True(t, ok)
	assert.True(t, got.Equal(obj))

	// Different sequence is a different version.
	_, ok = vc.Get(7, 4)
	assert.False(t, ok)
}

func TestVersionCache_Isolation(t *testing.T) {
	vc, err := NewVersionCache(128)
	require.NoError(t, err)
	defer vc.Close()

	obj := core.NewProject("immutable", "desc")
	vc.Put(1, 1, obj)
	vc.Wait()

	got, ok := vc.Get(1, 1)
	require.True(t, ok)
	got.Set(core.FieldDescription, core.String("mutated"))

	again, ok := vc.Get(1, 1)
	require.True(t, ok)
	assert.Equal(t, core.String("desc"), again.Get(core.FieldDescription))
}
