package playlist

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Build renders d as a normalized VOD media playlist. The output always has
// exactly one #EXTM3U, #EXT-X-VERSION, #EXT-X-TARGETDURATION and
// #EXT-X-MEDIA-SEQUENCE header, a duration tag on every segment, and ends
// with #EXT-X-ENDLIST.
// An empty descriptor produces a minimal valid playlist with media sequence 0.
func Build(d *Descriptor) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString(fmt.Sprintf("#EXT-X-VERSION:%d\n", versionFor(d.Segments)))

	if len(d.Segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		b.WriteString("#EXT-X-ENDLIST\n")
		return b.String()
	}

	fallback := d.defaultDuration()
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(d, fallback)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", d.MediaSequence))

	for _, seg := range d.Segments {
		for _, tag := range seg.Tags {
			b.WriteString(tag)
			b.WriteString("\n")
		}
		b.WriteString("#EXTINF:")
		b.WriteString(durationTag(seg, fallback))
		b.WriteString("\n")
		b.WriteString(seg.URL)
		b.WriteString("\n")
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// SynthesizedDurationTag formats a duration the way repaired playlists carry it.
func SynthesizedDurationTag(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 1, 64) + ","
}

func durationTag(seg SegmentRef, fallback float64) string {
	if seg.DurationTag == "" {
		return SynthesizedDurationTag(fallback)
	}
	if !strings.Contains(seg.DurationTag, ",") {
		return seg.DurationTag + ","
	}
	return seg.DurationTag
}

// targetDuration returns the #EXT-X-TARGETDURATION value: the ceiling of the
// maximum segment duration, never below the declared target or 1.
func targetDuration(d *Descriptor, fallback float64) int {
	max := 0.0
	for _, seg := range d.Segments {
		if dur := seg.Duration(fallback); dur > max {
			max = dur
		}
	}
	td := int(math.Ceil(max))
	if d.TargetDuration > td {
		td = d.TargetDuration
	}
	if td <= 0 {
		return 1
	}
	return td
}

// versionFor picks the lowest protocol version that supports the segment tags.
func versionFor(segs []SegmentRef) int {
	v := 3
	for _, s := range segs {
		for _, tag := range s.Tags {
			switch {
			case strings.HasPrefix(tag, "#EXT-X-MAP"):
				v = max(v, 6)
			case strings.HasPrefix(tag, "#EXT-X-BYTERANGE"):
				v = max(v, 4)
			}
		}
	}
	return v
}
