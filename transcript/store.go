package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gustavoali/ytrag/errors"
)

// DefaultInsertBatchSize is the number of rows per multi-row INSERT.
const DefaultInsertBatchSize = 100

const segmentColumns = `id, video_id, segment_index, start_time, end_time, text, confidence, speaker, language, created_at`

// Store persists transcript segments.
type Store struct {
	db        *sql.DB
	batchSize int
	timeNow   func() time.Time
}

// NewStore creates a segment store. batchSize <= 0 uses DefaultInsertBatchSize.
func NewStore(db *sql.DB, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = DefaultInsertBatchSize
	}
	return &Store{db: db, batchSize: batchSize, timeNow: time.Now}
}

// ReplaceForVideo swaps the stored segment set of a video for segments in a
// single transaction: the old rows are deleted and the new ones inserted with
// multi-row INSERTs that all carry the same created_at. Readers see either
// the old set or the new one. On error the transaction is rolled back and the
// old set stays in place.
//
// An empty set, or a segment that belongs to another video, is an integrity
// error and leaves the stored set untouched.
//
// Segments are assigned ids and created_at in place. Returns the number of rows written.
func (s *Store) ReplaceForVideo(ctx context.Context, videoID string, segments []Segment) (int, error) {
	if len(segments) == 0 {
		return 0, errors.NewIntegrityError("refusing to replace segments of video %s with an empty set", videoID)
	}
	for _, seg := range segments {
		if seg.VideoID != "" && seg.VideoID != videoID {
			return 0, errors.NewIntegrityError("segment %d belongs to video %s, not %s", seg.Index, seg.VideoID, videoID)
		}
	}

	createdAt := s.timeNow().UTC()
	for i := range segments {
		if segments[i].ID == "" {
			segments[i].ID = uuid.NewString()
		}
		segments[i].VideoID = videoID
		segments[i].CreatedAt = createdAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin segment replace")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_segments WHERE video_id = ?`, videoID); err != nil {
		return 0, errors.WithDetail(errors.Wrap(err, "failed to delete previous segments"),
			fmt.Sprintf("Video ID: %s", videoID))
	}

	for start := 0; start < len(segments); start += s.batchSize {
		end := start + s.batchSize
		if end > len(segments) {
			end = len(segments)
		}
		query, args := insertBatch(segments[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, errors.WithDetail(errors.Wrapf(err, "failed to insert segments %d-%d", start, end-1),
				fmt.Sprintf("Video ID: %s", videoID))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit segment replace")
	}
	return len(segments), nil
}

func insertBatch(batch []Segment) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`INSERT INTO transcript_segments (` + segmentColumns + `) VALUES `)

	args := make([]interface{}, 0, len(batch)*10)
	for i, seg := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

		confidence := sql.NullFloat64{}
		if seg.Confidence != nil {
			confidence = sql.NullFloat64{Float64: *seg.Confidence, Valid: true}
		}
		args = append(args,
			seg.ID,
			seg.VideoID,
			seg.Index,
			seg.Start,
			seg.End,
			seg.Text,
			confidence,
			sql.NullString{String: seg.Speaker, Valid: seg.Speaker != ""},
			seg.Language,
			seg.CreatedAt,
		)
	}
	return b.String(), args
}

// ListByVideo returns a video's segments ordered by index.
func (s *Store) ListByVideo(ctx context.Context, videoID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM transcript_segments WHERE video_id = ? ORDER BY segment_index`, videoID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list segments")
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var (
			seg        Segment
			confidence sql.NullFloat64
			speaker    sql.NullString
		)
		if err := rows.Scan(&seg.ID, &seg.VideoID, &seg.Index, &seg.Start, &seg.End, &seg.Text,
			&confidence, &speaker, &seg.Language, &seg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan segment")
		}
		if confidence.Valid {
			v := confidence.Float64
			seg.Confidence = &v
		}
		seg.Speaker = speaker.String
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating segments")
	}
	return out, nil
}

// CountByVideo returns the number of stored segments for a video.
func (s *Store) CountByVideo(ctx context.Context, videoID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript_segments WHERE video_id = ?`, videoID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count segments")
	}
	return n, nil
}
