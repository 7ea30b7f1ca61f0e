package kms_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwcomposer/kmsatomic/pkg/kms"
)

func TestAtomicRequest_LastValueWins(t *testing.T) {
	req := kms.NewAtomicRequest()
	require.NoError(t, req.Add(31, 7, 1))
	require.NoError(t, req.Add(40, 8, 100))
	require.NoError(t, req.Add(31, 7, 0))

	assert.Equal(t, 2, req.Len())
	v, ok := req.Value(31, 7)
	require.True(t, ok)
	assert.Equal(t, uint64(0), v)

	values := req.Values()
	assert.Equal(t, kms.ObjectID(31), values[0].Object, "insertion order is preserved on overwrite")
	assert.Equal(t, kms.ObjectID(40), values[1].Object)
}

func TestAtomicRequest_RejectsZeroIDs(t *testing.T) {
	req := kms.NewAtomicRequest()
	assert.ErrorIs(t, req.Add(0, 1, 1), kms.ErrInvalidObject)
	assert.ErrorIs(t, req.Add(1, 0, 1), kms.ErrInvalidObject)
	assert.Zero(t, req.Len())
}

func TestAtomicRequest_OutFence(t *testing.T) {
	req := kms.NewAtomicRequest()

	_, ok := req.OutFence()
	assert.False(t, ok)

	err := req.RequestOutFence(31, kms.Property{Name: "OUT_FENCE_PTR"})
	assert.ErrorIs(t, err, kms.ErrPropertyUnsupported)

	require.NoError(t, req.RequestOutFence(31, kms.Property{ID: 12, Name: "OUT_FENCE_PTR"}))
	of, ok := req.OutFence()
	require.True(t, ok)
	assert.Equal(t, kms.OutFenceRequest{Object: 31, Property: 12}, of)
	assert.Zero(t, req.Len(), "out-fence is not a property value")
	assert.Equal(t, []kms.ObjectID{31}, req.Objects())
}

func TestAtomicRequest_ObjectsSortedAndDistinct(t *testing.T) {
	req := kms.NewAtomicRequest()
	require.NoError(t, req.Add(50, 1, 1))
	require.NoError(t, req.Add(31, 1, 1))
	require.NoError(t, req.Add(50, 2, 1))
	require.NoError(t, req.Add(40, 1, 1))

	assert.Equal(t, []kms.ObjectID{31, 40, 50}, req.Objects())
	assert.Len(t, req.ObjectValues(50), 2)
	assert.Empty(t, req.ObjectValues(99))
}

func TestProperty_AtomicSet(t *testing.T) {
	req := kms.NewAtomicRequest()

	unsupported := kms.Property{Name: "zpos"}
	assert.False(t, unsupported.Supported())
	assert.ErrorIs(t, unsupported.AtomicSet(req, 40, 1), kms.ErrPropertyUnsupported)

	zpos := kms.Property{ID: 9, Name: "zpos"}
	require.NoError(t, zpos.AtomicSet(req, 40, 3))
	v, ok := req.Value(40, 9)
	require.True(t, ok)
	assert.Equal(t, uint64(3), v)
}

func TestCommitFlags_String(t *testing.T) {
	tests := []struct {
		flags kms.CommitFlags
		want  string
	}{
		{0, "0"},
		{kms.AtomicTestOnly, "TEST_ONLY"},
		{kms.AtomicNonBlock | kms.AtomicAllowModeset, "NONBLOCK|ALLOW_MODESET"},
		{kms.AtomicPageFlipEvent | kms.AtomicNonBlock, "PAGE_FLIP_EVENT|NONBLOCK"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.flags.String())
		})
	}
	assert.True(t, (kms.AtomicTestOnly | kms.AtomicAllowModeset).Has(kms.AtomicTestOnly))
	assert.False(t, kms.AtomicNonBlock.Has(kms.AtomicTestOnly))
}
