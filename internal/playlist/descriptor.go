package playlist

import (
	"math"
	"strconv"
	"strings"
)

// DefaultSegmentDuration is the duration assigned to segments whose source
// carries no #EXTINF tag.
const DefaultSegmentDuration = 10.0

// Format records which heuristic produced a Descriptor.
type Format int

const (
	WellFormed Format = iota
	BareList
	SingleSegment
)

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case WellFormed:
		return "well_formed"
	case BareList:
		return "bare_list"
	case SingleSegment:
		return "single_segment"
	default:
		return "unknown"
	}
}

// HeaderFlags records which required headers a playlist carries.
type HeaderFlags struct {
	HasVersion        bool
	HasTargetDuration bool
	HasMediaSequence  bool
	HasExtinf         bool
}

// Complete reports whether every required header is present.
func (h HeaderFlags) Complete() bool {
	return h.HasVersion && h.HasTargetDuration && h.HasMediaSequence && h.HasExtinf
}

// SegmentRef is one media segment of a playlist.
type SegmentRef struct {
	// URL is absolute once the descriptor has been resolved against its source.
	URL string
	// DurationTag is the text following "#EXTINF:" (e.g. "9.98,Intro"), or
	// empty when the source had no duration tag for this segment.
	DurationTag string
	// Tags are per-segment marker lines (#EXT-X-KEY, #EXT-X-MAP, ...) that
	// precede the segment, in source order.
	Tags []string
}

// Duration parses the numeric part of DurationTag. It returns fallback when
// the tag is absent or malformed.
func (s SegmentRef) Duration(fallback float64) float64 {
	if s.DurationTag == "" {
		return fallback
	}
	num, _, _ := strings.Cut(s.DurationTag, ",")
	d, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil || d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return fallback
	}
	return d
}

// Descriptor is the parsed and healed form of a playlist.
type Descriptor struct {
	// Source is the resolved URL the playlist was fetched from.
	Source   string
	Format   Format
	Segments []SegmentRef

	// Original holds the headers the source actually carried; Headers holds
	// the post-repair set, which is always complete for a valid descriptor.
	Original HeaderFlags
	Headers  HeaderFlags

	// TargetDuration and MediaSequence are the declared values, or zero when
	// the source did not declare them.
	TargetDuration int
	MediaSequence  int64
}

// Len returns the number of segments.
func (d *Descriptor) Len() int { return len(d.Segments) }

// TotalDuration sums segment durations in seconds.
func (d *Descriptor) TotalDuration() float64 {
	fallback := d.defaultDuration()
	total := 0.0
	for _, s := range d.Segments {
		total += s.Duration(fallback)
	}
	return total
}

// SegmentURLs returns the segment URLs in playlist order.
func (d *Descriptor) SegmentURLs() []string {
	out := make([]string, len(d.Segments))
	for i, s := range d.Segments {
		out[i] = s.URL
	}
	return out
}

// defaultDuration is used for segments without a duration tag: the declared
// target duration when there is one, else DefaultSegmentDuration.
func (d *Descriptor) defaultDuration() float64 {
	if d.TargetDuration > 0 {
		return float64(d.TargetDuration)
	}
	return DefaultSegmentDuration
}
