package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxTextLength is the longest segment text, in characters, kept as one row.
const DefaultMaxTextLength = 500

// Split breaks every segment whose text is longer than maxLen characters into
// consecutive sub-segments. Cuts fall on whitespace where possible. Each
// sub-segment gets a share of the original time span proportional to its
// text length, and the last one ends exactly at the original end, so the
// pieces cover [Start, End] without gaps.
//
// Indexes are left as they are; call Reindex afterwards.
func Split(segments []Segment, maxLen int) []Segment {
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLength
	}

	out := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if utf8.RuneCountInString(seg.Text) <= maxLen {
			out = append(out, seg)
			continue
		}

		chunks := splitText(seg.Text, maxLen)
		if len(chunks) < 2 {
			// Only surrounding whitespace pushed it over the limit
			seg.Text = strings.TrimSpace(seg.Text)
			out = append(out, seg)
			continue
		}
		out = append(out, spread(seg, chunks)...)
	}
	return out
}

// Reindex numbers segments 0..N-1 in slice order.
func Reindex(segments []Segment) []Segment {
	for i := range segments {
		segments[i].Index = i
	}
	return segments
}

// Normalize splits over-long segments and reindexes the result.
func Normalize(segments []Segment, maxLen int) []Segment {
	return Reindex(Split(segments, maxLen))
}

// splitText cuts text into pieces of at most maxLen runes, preferring the
// last whitespace inside each window.
func splitText(text string, maxLen int) []string {
	runes := []rune(strings.TrimSpace(text))

	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen
		for i := maxLen; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}

		chunks = append(chunks, strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace))
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func spread(seg Segment, chunks []string) []Segment {
	total := 0
	for _, c := range chunks {
		total += utf8.RuneCountInString(c)
	}
	span := seg.End - seg.Start

	out := make([]Segment, 0, len(chunks))
	start := seg.Start
	seen := 0
	for i, c := range chunks {
		seen += utf8.RuneCountInString(c)

		end := seg.End
		if i < len(chunks)-1 {
			end = seg.Start + span*float64(seen)/float64(total)
		}

		sub := seg
		sub.ID = ""
		sub.Text = c
		sub.Start = start
		sub.End = end
		out = append(out, sub)

		start = end
	}
	return out
}
