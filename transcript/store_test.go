package transcript

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustavoali/ytrag/errors"
	ytest "github.com/gustavoali/ytrag/internal/testing"
)

func generate(videoID string, n int, label string) []Segment {
	out := make([]Segment, n)
	for i := range out {
		out[i] = Segment{
			VideoID:  videoID,
			Index:    i,
			Start:    float64(i),
			End:      float64(i) + 0.9,
			Text:     fmt.Sprintf("%s segment %d", label, i),
			Language: "en",
		}
	}
	return out
}

func TestStore_ReplaceForVideo(t *testing.T) {
	conn := ytest.CreateMigratedTestDB(t)
	ytest.SeedVideo(t, conn, "vid")
	store := NewStore(conn, 0)
	ctx := context.Background()

	conf := 0.75
	first := generate("vid", 3, "first")
	first[1].Confidence = &conf
	first[2].Speaker = "SPEAKER_01"
	n, err := store.ReplaceForVideo(ctx, "vid", first)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := store.ListByVideo(ctx, "vid")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first segment 0", got[0].Text)
	require.NotNil(t, got[1].Confidence)
	assert.InDelta(t, 0.75, *got[1].Confidence, 1e-9)
	assert.Nil(t, got[0].Confidence)
	assert.Equal(t, "SPEAKER_01", got[2].Speaker)
	assert.NotEmpty(t, got[0].ID)

	second := generate("vid", 2, "second")
	_, err = store.ReplaceForVideo(ctx, "vid", second)
	require.NoError(t, err)

	count, err := store.CountByVideo(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err = store.ListByVideo(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, "second segment 1", got[1].Text)
}

func TestStore_ReplaceForVideo_RejectsEmpty(t *testing.T) {
	conn := ytest.CreateMigratedTestDB(t)
	ytest.SeedVideo(t, conn, "vid")
	store := NewStore(conn, 0)

	_, err := store.ReplaceForVideo(context.Background(), "vid", generate("vid", 4, "keep"))
	require.NoError(t, err)

	_, err = store.ReplaceForVideo(context.Background(), "vid", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIntegrity))

	count, err := store.CountByVideo(context.Background(), "vid")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestStore_ReplaceForVideo_RejectsForeignSegments(t *testing.T) {
	conn := ytest.CreateMigratedTestDB(t)
	ytest.SeedVideo(t, conn, "vid")
	store := NewStore(conn, 0)
	ctx := context.Background()

	_, err := store.ReplaceForVideo(ctx, "vid", generate("vid", 4, "keep"))
	require.NoError(t, err)

	mixed := generate("vid", 3, "mixed")
	mixed[2].VideoID = "other"
	_, err = store.ReplaceForVideo(ctx, "vid", mixed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIntegrity))
	assert.Equal(t, "other", mixed[2].VideoID)

	got, err := store.ListByVideo(ctx, "vid")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "keep segment 0", got[0].Text)

	unset := generate("", 2, "unset")
	n, err := store.ReplaceForVideo(ctx, "vid", unset)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "vid", unset[0].VideoID)
}

func TestStore_ReplaceForVideo_ZeroDurationSegment(t *testing.T) {
	conn := ytest.CreateMigratedTestDB(t)
	ytest.SeedVideo(t, conn, "vid")
	store := NewStore(conn, 0)
	ctx := context.Background()

	segs := []Segment{{VideoID: "vid", Index: 0, Start: 12.5, End: 12.5, Text: "hm", Language: "en"}}
	warnings, err := Validate(segs, "vid")
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnEmptyDuration, warnings[0].Code)

	n, err := store.ReplaceForVideo(ctx, "vid", segs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := store.CountByVideo(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.ListByVideo(ctx, "vid")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 12.5, got[0].Start, 1e-9)
	assert.InDelta(t, 12.5, got[0].End, 1e-9)
}

func TestStore_FailedInsertKeepsPreviousSet(t *testing.T) {
	conn := ytest.CreateMigratedTestDB(t)
	ytest.SeedVideo(t, conn, "vid")
	store := NewStore(conn, 2)
	ctx := context.Background()

	_, err := store.ReplaceForVideo(ctx, "vid", generate("vid", 5, "old"))
	require.NoError(t, err)

	// Duplicate index in the third batch violates UNIQUE(video_id, segment_index)
	bad := generate("vid", 6, "new")
	bad[5].Index = 4
	_, err = store.ReplaceForVideo(ctx, "vid", bad)
	require.Error(t, err)

	got, err := store.ListByVideo(ctx, "vid")
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "old segment 0", got[0].Text)
}

func TestStore_RollbackOnDriverFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM transcript_segments").WithArgs("vid").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO transcript_segments").WillReturnError(fmt.Errorf("disk I/O error"))
	mock.ExpectRollback()

	_, err = NewStore(conn, 0).ReplaceForVideo(context.Background(), "vid", generate("vid", 3, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert segments 0-2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_BatchesInserts(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM transcript_segments").WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO transcript_segments").WillReturnResult(sqlmock.NewResult(0, 100))
	}
	mock.ExpectCommit()

	n, err := NewStore(conn, 100).ReplaceForVideo(context.Background(), "vid", generate("vid", 250, "x"))
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ReaderNeverSeesEmptySet(t *testing.T) {
	conn := ytest.CreateFileTestDB(t)
	ytest.SeedVideo(t, conn, "vid")
	store := NewStore(conn, 0)
	ctx := context.Background()

	_, err := store.ReplaceForVideo(ctx, "vid", generate("vid", 50, "gen0"))
	require.NoError(t, err)

	var (
		stop    atomic.Bool
		empties atomic.Int64
		reads   atomic.Int64
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			n, err := store.CountByVideo(ctx, "vid")
			if err != nil {
				continue
			}
			reads.Add(1)
			if n == 0 {
				empties.Add(1)
			}
		}
	}()

	for gen := 1; gen <= 20; gen++ {
		_, err := store.ReplaceForVideo(ctx, "vid", generate("vid", 50, fmt.Sprintf("gen%d", gen)))
		require.NoError(t, err)
	}
	stop.Store(true)
	wg.Wait()

	assert.Positive(t, reads.Load())
	assert.Zero(t, empties.Load(), "reader observed a transient empty segment set")
}

func TestStore_BulkInsertPerformance(t *testing.T) {
	for _, tt := range []struct {
		n     int
		limit time.Duration
	}{
		{100, 2 * time.Second},
		{500, 5 * time.Second},
		{1000, 10 * time.Second},
	} {
		t.Run(fmt.Sprintf("%d segments", tt.n), func(t *testing.T) {
			conn := ytest.CreateFileTestDB(t)
			ytest.SeedVideo(t, conn, "vid")
			store := NewStore(conn, DefaultInsertBatchSize)

			start := time.Now()
			n, err := store.ReplaceForVideo(context.Background(), "vid", generate("vid", tt.n, "bulk"))
			elapsed := time.Since(start)
			require.NoError(t, err)
			assert.Equal(t, tt.n, n)
			assert.Less(t, elapsed, tt.limit)

			var stamps int
			require.NoError(t, conn.QueryRow(
				`SELECT COUNT(DISTINCT created_at) FROM transcript_segments WHERE video_id = ?`, "vid").Scan(&stamps))
			assert.Equal(t, 1, stamps, "all rows share one batch timestamp")

			got, err := store.ListByVideo(context.Background(), "vid")
			require.NoError(t, err)
			for i, s := range got {
				assert.Equal(t, i, s.Index)
			}
		})
	}
}

func TestEmbeddingStore(t *testing.T) {
	conn := ytest.CreateMigratedTestDB(t)
	ytest.SeedVideo(t, conn, "vid")
	segments := NewStore(conn, 0)
	ctx := context.Background()

	segs := generate("vid", 2, "e")
	_, err := segments.ReplaceForVideo(ctx, "vid", segs)
	require.NoError(t, err)

	store := NewEmbeddingStore(conn)
	err = store.ReplaceForVideo(ctx, "vid", []Embedding{
		{SegmentID: segs[1].ID, Model: "nomic-embed-text", Vector: []float32{0.5, -1}},
		{SegmentID: segs[0].ID, Model: "nomic-embed-text", Vector: []float32{1, 2}},
	})
	require.NoError(t, err)

	got, err := store.ListByVideo(ctx, "vid")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, segs[0].ID, got[0].SegmentID)
	assert.Equal(t, []float32{1, 2}, got[0].Vector)

	// Replacing segments cascades to their embeddings
	_, err = segments.ReplaceForVideo(ctx, "vid", generate("vid", 1, "f"))
	require.NoError(t, err)
	got, err = store.ListByVideo(ctx, "vid")
	require.NoError(t, err)
	assert.Empty(t, got)
}
