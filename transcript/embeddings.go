package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gustavoali/ytrag/errors"
)

// Embedding is the vector of one segment's text.
type Embedding struct {
	SegmentID string
	VideoID   string
	Model     string
	Vector    []float32
	CreatedAt time.Time
}

// EmbeddingStore persists segment embeddings.
type EmbeddingStore struct {
	db *sql.DB
}

// NewEmbeddingStore creates an embedding store.
func NewEmbeddingStore(db *sql.DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

// ReplaceForVideo drops a video's embeddings and writes the new ones in one transaction.
func (s *EmbeddingStore) ReplaceForVideo(ctx context.Context, videoID string, embeddings []Embedding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin embedding replace")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_embeddings WHERE video_id = ?`, videoID); err != nil {
		return errors.Wrap(err, "failed to delete previous embeddings")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO segment_embeddings (segment_id, video_id, model, dims, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare embedding insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, e := range embeddings {
		vector, err := json.Marshal(e.Vector)
		if err != nil {
			return errors.Wrap(err, "failed to marshal embedding")
		}
		if _, err := stmt.ExecContext(ctx, e.SegmentID, videoID, e.Model, len(e.Vector), string(vector), now); err != nil {
			return errors.Wrapf(err, "failed to insert embedding for segment %s", e.SegmentID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit embedding replace")
	}
	return nil
}

// ListByVideo returns a video's embeddings in segment order.
func (s *EmbeddingStore) ListByVideo(ctx context.Context, videoID string) ([]Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.segment_id, e.video_id, e.model, e.vector, e.created_at
		FROM segment_embeddings e
		JOIN transcript_segments s ON s.id = e.segment_id
		WHERE e.video_id = ?
		ORDER BY s.segment_index`, videoID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list embeddings")
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var (
			e      Embedding
			vector string
		)
		if err := rows.Scan(&e.SegmentID, &e.VideoID, &e.Model, &vector, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan embedding")
		}
		if err := json.Unmarshal([]byte(vector), &e.Vector); err != nil {
			return nil, errors.Wrapf(err, "corrupt embedding for segment %s", e.SegmentID)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating embeddings")
	}
	return out, nil
}
