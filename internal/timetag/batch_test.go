package timetag

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBatchCopiesInputs(t *testing.T) {
	t.Parallel()

	singles := map[int][]int64{1: {10, 20, 30}, 2: {}}
	md := map[string]any{MetaSource: "test"}
	b := NewBatch(singles, 1.5, time.Time{}, md)

	singles[1][0] = 999
	md[MetaSource] = "mutated"

	assert.Equal(t, []int64{10, 20, 30}, b.Events(1))
	assert.Equal(t, "test", b.MetaString(MetaSource))
	assert.True(t, b.HasChannel(2))
	assert.False(t, b.HasChannel(3))
	assert.Equal(t, 3, b.TotalEvents())
	assert.Equal(t, []int{1, 2}, b.Channels())
	assert.Equal(t, map[int]int{1: 3, 2: 0}, b.Counts())
}

func TestBatchSlice(t *testing.T) {
	t.Parallel()

	b := NewBatch(map[int][]int64{
		1: {0, 5, 10, 15, 20},
		2: {3, 30},
	}, 1, time.Time{}, nil)

	s := b.Slice(5, 20, 0.5)
	assert.Equal(t, []int64{5, 10, 15}, s.Events(1))
	assert.Empty(t, s.Events(2))
	assert.True(t, s.HasChannel(2))
	assert.Equal(t, 0.5, s.DurationSec())
}

func TestMerge(t *testing.T) {
	t.Parallel()

	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Second)
	a := NewBatch(map[int][]int64{1: {1, 4}}, 1, late, map[string]any{"k": "a"})
	b := NewBatch(map[int][]int64{1: {2}, 2: {7}}, 2, early, map[string]any{"k": "b"})
	c := NewBatch(nil, 0.5, time.Time{}, nil)

	m := Merge(a, nil, b, c)
	want := map[int][]int64{1: {1, 2, 4}, 2: {7}}
	if diff := cmp.Diff(want, m.Singles()); diff != "" {
		t.Errorf("merged singles mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3.5, m.DurationSec())
	assert.Equal(t, early, m.StartedAt())
	assert.Equal(t, "a", m.MetaString("k"))
}

func TestMergeEmpty(t *testing.T) {
	t.Parallel()

	m := Merge()
	assert.Zero(t, m.TotalEvents())
	assert.Zero(t, m.DurationSec())
	assert.True(t, m.StartedAt().IsZero())
}

func TestBatchValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		batch   *Batch
		wantErr bool
	}{
		{"ok", NewBatch(map[int][]int64{1: {1, 1, 2}}, 1, time.Time{}, nil), false},
		{"zero duration", NewBatch(map[int][]int64{1: {1}}, 0, time.Time{}, nil), true},
		{"unordered", NewBatch(map[int][]int64{1: {3, 1}}, 1, time.Time{}, nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.batch.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFlattenOrdersByTimestamp(t *testing.T) {
	t.Parallel()

	b := NewBatch(map[int][]int64{2: {5, 10}, 1: {5, 7}}, 1, time.Time{}, nil)
	got := b.Flatten()
	want := []Event{{1, 5}, {2, 5}, {1, 7}, {2, 10}}
	assert.Equal(t, want, got)
}

func TestMetaFloat(t *testing.T) {
	t.Parallel()

	b := NewBatch(nil, 1, time.Time{}, map[string]any{
		MetaBucketSeconds: 0.25,
		"count":           int64(4),
		"name":            "x",
	})
	v, ok := b.MetaFloat(MetaBucketSeconds)
	require.True(t, ok)
	assert.Equal(t, 0.25, v)
	v, ok = b.MetaFloat("count")
	require.True(t, ok)
	assert.Equal(t, 4.0, v)
	_, ok = b.MetaFloat("name")
	assert.False(t, ok)
}

func TestWithMetadataLeavesOriginal(t *testing.T) {
	t.Parallel()

	b := NewBatch(map[int][]int64{1: {1}}, 1, time.Time{}, map[string]any{"a": 1})
	c := b.WithMetadata(map[string]any{"b": 2})
	_, ok := b.Metadata()["b"]
	assert.False(t, ok)
	assert.Equal(t, 2, c.Metadata()["b"])
	assert.Equal(t, 1, c.Metadata()["a"])
}
