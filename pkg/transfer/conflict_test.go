package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqwacloud/transfercore/pkg/provider"
)

func descriptor(name string, size int64, modified time.Time) *provider.FileDescriptor {
	return &provider.FileDescriptor{
		ID:           "file-" + name,
		Name:         name,
		Kind:         provider.KindFile,
		Size:         size,
		ModifiedTime: modified,
	}
}

func TestDetectConflictClassification(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobID := uuid.New()

	tests := []struct {
		name   string
		source *provider.FileDescriptor
		dest   *provider.FileDescriptor
		want   ConflictType
		none   bool
	}{
		{
			name: "both missing",
			none: true,
		},
		{
			name: "source deleted",
			dest: descriptor("a.txt", 10, base),
			want: ConflictDeletedSource,
		},
		{
			name:   "dest deleted",
			source: descriptor("a.txt", 10, base),
			want:   ConflictDeletedDest,
		},
		{
			name:   "size mismatch",
			source: descriptor("a.txt", 10, base),
			dest:   descriptor("a.txt", 20, base),
			want:   ConflictSizeMismatch,
		},
		{
			name:   "timestamp mismatch beyond epsilon",
			source: descriptor("a.txt", 10, base.Add(5*time.Second)),
			dest:   descriptor("a.txt", 10, base),
			want:   ConflictTimestampMismatch,
		},
		{
			name:   "name conflict",
			source: descriptor("a.txt", 10, base),
			dest:   descriptor("b.txt", 10, base),
			want:   ConflictNameConflict,
		},
		{
			name:   "sub-epsilon timestamp drift",
			source: descriptor("a.txt", 10, base.Add(500*time.Millisecond)),
			dest:   descriptor("a.txt", 10, base),
			want:   ConflictModifiedBoth,
		},
		{
			name:   "identical metadata",
			source: descriptor("a.txt", 10, base),
			dest:   descriptor("a.txt", 10, base),
			none:   true,
		},
		{
			name:   "size mismatch wins over timestamp",
			source: descriptor("a.txt", 10, base.Add(time.Hour)),
			dest:   descriptor("a.txt", 20, base),
			want:   ConflictSizeMismatch,
		},
		{
			name:   "timestamp wins over name",
			source: descriptor("a.txt", 10, base.Add(time.Hour)),
			dest:   descriptor("b.txt", 10, base),
			want:   ConflictTimestampMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflict := DetectConflict(jobID, tt.source, tt.dest)
			if tt.none {
				assert.Nil(t, conflict)
				return
			}
			require.NotNil(t, conflict)
			assert.Equal(t, tt.want, conflict.Type)
			assert.Equal(t, jobID, conflict.JobID)
			assert.False(t, conflict.DetectedAt.IsZero())
		})
	}
}

func TestAutoResolvePolicyTable(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := NewConflictResolver()
	ctx := context.Background()

	t.Run("deleted source keeps dest", func(t *testing.T) {
		conflict := DetectConflict(uuid.New(), nil, descriptor("a.txt", 10, base))
		res, err := resolver.AutoResolve(ctx, conflict)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, WinnerDest, res.Winner)
		assert.Equal(t, conflict.DestFile, res.File)
	})

	t.Run("deleted dest keeps source", func(t *testing.T) {
		conflict := DetectConflict(uuid.New(), descriptor("a.txt", 10, base), nil)
		res, err := resolver.AutoResolve(ctx, conflict)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, WinnerSource, res.Winner)
	})

	t.Run("size mismatch keeps larger", func(t *testing.T) {
		conflict := DetectConflict(uuid.New(),
			descriptor("a.txt", 10, base), descriptor("a.txt", 500, base))
		res, err := resolver.AutoResolve(ctx, conflict)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, WinnerDest, res.Winner)
		assert.Equal(t, int64(500), res.File.Size)
	})

	t.Run("timestamp mismatch keeps newer", func(t *testing.T) {
		conflict := DetectConflict(uuid.New(),
			descriptor("a.txt", 10, base.Add(time.Hour)), descriptor("a.txt", 10, base))
		res, err := resolver.AutoResolve(ctx, conflict)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, WinnerSource, res.Winner)
	})

	t.Run("name conflict stays open", func(t *testing.T) {
		conflict := DetectConflict(uuid.New(),
			descriptor("a.txt", 10, base), descriptor("b.txt", 10, base))
		res, err := resolver.AutoResolve(ctx, conflict)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Nil(t, conflict.Resolution)
	})

	t.Run("resolution is recorded on the conflict", func(t *testing.T) {
		conflict := DetectConflict(uuid.New(),
			descriptor("a.txt", 10, base), descriptor("a.txt", 500, base))
		_, err := resolver.AutoResolve(ctx, conflict)
		require.NoError(t, err)
		require.NotNil(t, conflict.Resolution)
		assert.Equal(t, "larger_wins", conflict.Resolution.Strategy)
		assert.False(t, conflict.Resolution.ResolvedAt.IsZero())
	})
}

type alwaysSourceStrategy struct{}

func (alwaysSourceStrategy) Name() string { return "always_source" }
func (alwaysSourceStrategy) Resolve(_ context.Context, c *Conflict) (*Resolution, error) {
	return &Resolution{Winner: WinnerSource, File: c.SourceFile}, nil
}

func TestRegisterStrategyOverride(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := NewConflictResolver()
	resolver.RegisterStrategy(ConflictNameConflict, alwaysSourceStrategy{})

	conflict := DetectConflict(uuid.New(),
		descriptor("a.txt", 10, base), descriptor("b.txt", 10, base))
	res, err := resolver.AutoResolve(context.Background(), conflict)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, WinnerSource, res.Winner)
	assert.Equal(t, "always_source", res.Strategy)
}
