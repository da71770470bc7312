// Package segment implements the on-disk representation of cached byte
// intervals for a single cache entry, and the reconciliation of that
// metadata with what is actually on disk (spec component C1).
package segment

import "fmt"

// Segment is a closed, inclusive byte interval [Start, End] backed by a
// single chunk file of exactly End-Start+1 bytes. Segments never overlap
// on disk.
type Segment struct {
	Start int64
	End   int64
}

// Len returns the number of bytes the segment covers.
func (s Segment) Len() int64 {
	return s.End - s.Start + 1
}

// FileName returns the chunk file name for the segment, zero-padded to 12
// digits on each side so lexicographic directory order matches numeric
// order.
func (s Segment) FileName() string {
	return fmt.Sprintf("%012d-%012d.bin", s.Start, s.End)
}

// DigestFileName returns the sidecar integrity-digest file name used when
// strict integrity mode is enabled.
func (s Segment) DigestFileName() string {
	return s.FileName() + ".sha3"
}

func (s Segment) contains(offset int64) bool {
	return offset >= s.Start && offset <= s.End
}

// overlapsOrAdjacent reports whether b starts at or before a's end+1,
// i.e. whether merging a and b would produce a single contiguous run.
func overlapsOrAdjacent(a, b Segment) bool {
	return b.Start <= a.End+1
}

// sortSegments returns a new slice sorted by (Start, End) ascending.
func sortSegments(in []Segment) []Segment {
	out := make([]Segment, len(in))
	copy(out, in)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && less(out[j], out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

func less(a, b Segment) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.End < b.End
}

// Merged returns the logical coverage intervals of segments, merging
// adjacent or overlapping entries. Used only for answering "what is
// cached?" queries; never applied to the filesystem.
func Merged(segments []Segment) []Segment {
	if len(segments) == 0 {
		return nil
	}
	sorted := sortSegments(segments)

	merged := make([]Segment, 0, len(sorted))
	current := sorted[0]
	for _, next := range sorted[1:] {
		if overlapsOrAdjacent(current, next) {
			if next.End > current.End {
				current.End = next.End
			}
		} else {
			merged = append(merged, current)
			current = next
		}
	}
	merged = append(merged, current)
	return merged
}

// Missing returns the gaps in [start,end] that are not covered by
// segments, after merging. Used to plan origin fetches.
func Missing(segments []Segment, start, end int64) []Segment {
	if start > end {
		return nil
	}
	merged := Merged(segments)

	var gaps []Segment
	cursor := start
	for _, seg := range merged {
		if seg.End < cursor {
			continue
		}
		if seg.Start > end {
			break
		}
		if seg.Start > cursor {
			gapEnd := seg.Start - 1
			if gapEnd > end {
				gapEnd = end
			}
			gaps = append(gaps, Segment{Start: cursor, End: gapEnd})
		}
		if seg.End+1 > cursor {
			cursor = seg.End + 1
		}
		if cursor > end {
			break
		}
	}
	if cursor <= end {
		gaps = append(gaps, Segment{Start: cursor, End: end})
	}
	return gaps
}

// CoveredEnd returns the largest offset e such that [start,e] is
// contiguously covered by segments, or start-1 (the spec's sentinel) if
// start itself is not covered.
func CoveredEnd(segments []Segment, start int64) int64 {
	merged := Merged(segments)
	for _, seg := range merged {
		if seg.contains(start) {
			return seg.End
		}
	}
	return start - 1
}

// MaxEnd returns the largest End across all segments (after merging), and
// false if segments is empty. Used by the background prefetcher to find
// the current forward edge of coverage, regardless of where that
// coverage starts.
func MaxEnd(segments []Segment) (int64, bool) {
	merged := Merged(segments)
	if len(merged) == 0 {
		return 0, false
	}
	max := merged[0].End
	for _, seg := range merged[1:] {
		if seg.End > max {
			max = seg.End
		}
	}
	return max, true
}

// FullyCovers reports whether [start,end] is entirely covered by segments.
func FullyCovers(segments []Segment, start, end int64) bool {
	if start > end {
		return true
	}
	return len(Missing(segments, start, end)) == 0
}
