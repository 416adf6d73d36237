// Package transcript normalizes, validates and persists the time-coded
// segments produced by a transcription engine.
//
// The write path for one video is always:
//
//	segs := transcript.FromRaw(videoID, language, raw)
//	segs = transcript.Normalize(segs, maxTextLength)
//	warnings, err := transcript.Validate(segs, videoID)
//	n, err := store.ReplaceForVideo(ctx, videoID, segs)
package transcript

import "time"

// RawSegment is one span as reported by a transcription engine, before
// splitting and indexing.
type RawSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
}

// Segment is a persisted span of transcribed text belonging to one video.
type Segment struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"video_id"`
	Index      int       `json:"segment_index"`
	Start      float64   `json:"start_time"`
	End        float64   `json:"end_time"`
	Text       string    `json:"text"`
	Confidence *float64  `json:"confidence,omitempty"`
	Speaker    string    `json:"speaker,omitempty"`
	Language   string    `json:"language,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Duration is End - Start in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// FromRaw attaches engine output to a video, keeping engine order.
func FromRaw(videoID, language string, raw []RawSegment) []Segment {
	out := make([]Segment, 0, len(raw))
	for i, r := range raw {
		out = append(out, Segment{
			VideoID:    videoID,
			Index:      i,
			Start:      r.Start,
			End:        r.End,
			Text:       r.Text,
			Confidence: r.Confidence,
			Speaker:    r.Speaker,
			Language:   language,
		})
	}
	return out
}
