package transcript

import (
	"fmt"
	"math"
	"strings"

	"github.com/gustavoali/ytrag/errors"
)

// Warning codes reported by Validate. None of them stops persistence.
const (
	WarnIndexGap      = "index_gap"
	WarnStartOrder    = "start_out_of_order"
	WarnOverlap       = "overlap"
	WarnBlankText     = "blank_text"
	WarnEmptyDuration = "empty_duration"
)

// Warning is a non-fatal integrity finding for one segment.
type Warning struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("segment %d: %s", w.Index, w.Message)
}

// Validate checks a normalized segment set for one video.
//
// A non-nil error (marked ErrIntegrity) means the set must not be persisted:
// it is empty, a segment belongs to another video or to none, or a
// timestamp is negative. Ordering, overlap, blank text and empty durations
// are returned as warnings. Validate has no side effects.
func Validate(segments []Segment, videoID string) ([]Warning, error) {
	if strings.TrimSpace(videoID) == "" {
		return nil, errors.NewIntegrityError("video id is blank")
	}
	if len(segments) == 0 {
		return nil, errors.WithDetail(errors.NewIntegrityError("transcript has no segments"),
			fmt.Sprintf("Video ID: %s", videoID))
	}

	for i, s := range segments {
		switch {
		case strings.TrimSpace(s.VideoID) == "":
			return nil, errors.NewIntegrityError("segment %d has a blank video id", i)
		case s.VideoID != videoID:
			return nil, errors.NewIntegrityError("segment %d belongs to video %s, expected %s", i, s.VideoID, videoID)
		case math.IsNaN(s.Start) || math.IsNaN(s.End):
			return nil, errors.NewIntegrityError("segment %d has an invalid timestamp", i)
		case s.Start < 0 || s.End < 0:
			return nil, errors.NewIntegrityError("segment %d has a negative timestamp (%.3f-%.3f)", i, s.Start, s.End)
		}
	}

	var warnings []Warning
	for i, s := range segments {
		if s.Index != i {
			warnings = append(warnings, Warning{Index: i, Code: WarnIndexGap,
				Message: fmt.Sprintf("index %d at position %d", s.Index, i)})
		}
		if strings.TrimSpace(s.Text) == "" {
			warnings = append(warnings, Warning{Index: i, Code: WarnBlankText, Message: "text is blank"})
		}
		if s.End <= s.Start {
			warnings = append(warnings, Warning{Index: i, Code: WarnEmptyDuration,
				Message: fmt.Sprintf("duration %.3fs", s.Duration())})
		}
		if i == 0 {
			continue
		}
		prev := segments[i-1]
		if s.Start < prev.Start {
			warnings = append(warnings, Warning{Index: i, Code: WarnStartOrder,
				Message: fmt.Sprintf("starts at %.3f before previous start %.3f", s.Start, prev.Start)})
		}
		if prev.End > s.Start {
			warnings = append(warnings, Warning{Index: i, Code: WarnOverlap,
				Message: fmt.Sprintf("starts at %.3f before previous end %.3f", s.Start, prev.End)})
		}
	}
	return warnings, nil
}
