package playlist

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"hls-playback/internal/streamerr"
)

// Per-segment marker lines carried through to the normalized playlist.
var segmentTagPrefixes = []string{
	"#EXT-X-KEY",
	"#EXT-X-MAP",
	"#EXT-X-DISCONTINUITY",
	"#EXT-X-BYTERANGE",
	"#EXT-X-PROGRAM-DATE-TIME",
}

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

var errNoSegments = errors.New("playlist has no segments")

// Parse classifies content and returns a healed descriptor. base is the
// playlist's own URL; segment references are resolved against it.
//
// Classification is a heuristic applied in order: stream markers mean a
// well-formed playlist; two or more lines without markers are a bare segment
// list; a single marker-free line is one segment. Anything else is rejected as
// UnrecognizedFormat rather than guessed at.
func Parse(content string, base *url.URL) (*Descriptor, error) {
	lines := nonEmptyLines(content)
	if len(lines) == 0 {
		return nil, streamerr.New(streamerr.EmptySource, "parse", base.String(), nil)
	}

	var (
		d   *Descriptor
		err error
	)
	switch {
	case strings.Contains(content, "#EXTM3U") || strings.Contains(content, "#EXTINF"):
		d, err = parseWellFormed(lines, base)
	case len(lines) >= 2 && noMarkers(lines):
		d = synthesize(lines, base, BareList)
	case len(lines) == 1 && !strings.Contains(content, "#"):
		d = synthesize(lines, base, SingleSegment)
	default:
		err = streamerr.New(streamerr.UnrecognizedFormat, "parse", base.String(), nil)
	}
	if err != nil {
		return nil, err
	}

	d.Source = base.String()
	d.Headers = HeaderFlags{HasVersion: true, HasTargetDuration: true, HasMediaSequence: true, HasExtinf: true}
	return d, nil
}

func parseWellFormed(lines []string, base *url.URL) (*Descriptor, error) {
	d := &Descriptor{Format: WellFormed}
	var (
		pendingDuration string
		pendingTags     []string
	)

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION"):
			d.Original.HasVersion = true
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			d.Original.HasTargetDuration = true
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))); err == nil && n > 0 {
				d.TargetDuration = n
			}
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			d.Original.HasMediaSequence = true
			if n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:")), 10, 64); err == nil && n >= 0 {
				d.MediaSequence = n
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			d.Original.HasExtinf = true
			pendingDuration = strings.TrimSpace(strings.TrimPrefix(line, "#EXTINF:"))
		case isSegmentTag(line):
			pendingTags = append(pendingTags, resolveTagURI(line, base))
		case strings.HasPrefix(line, "#"):
			// stream-level markers are regenerated by Build
		default:
			d.Segments = append(d.Segments, SegmentRef{
				URL:         resolve(base, line),
				DurationTag: pendingDuration,
				Tags:        pendingTags,
			})
			pendingDuration, pendingTags = "", nil
		}
	}

	if len(d.Segments) == 0 {
		return nil, streamerr.New(streamerr.UnrecognizedFormat, "parse", base.String(), errNoSegments)
	}
	return d, nil
}

func synthesize(lines []string, base *url.URL, format Format) *Descriptor {
	tag := SynthesizedDurationTag(DefaultSegmentDuration)
	d := &Descriptor{Format: format, Segments: make([]SegmentRef, 0, len(lines))}
	for _, line := range lines {
		d.Segments = append(d.Segments, SegmentRef{URL: resolve(base, line), DurationTag: tag})
	}
	return d
}

// IsMaster reports whether content is a multivariant playlist.
func IsMaster(content string) bool {
	return strings.Contains(content, "#EXT-X-STREAM-INF")
}

func nonEmptyLines(content string) []string {
	raw := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func noMarkers(lines []string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, "#") {
			return false
		}
	}
	return true
}

func isSegmentTag(line string) bool {
	for _, p := range segmentTagPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func resolveTagURI(line string, base *url.URL) string {
	return uriAttr.ReplaceAllStringFunc(line, func(m string) string {
		sub := uriAttr.FindStringSubmatch(m)
		return `URI="` + resolve(base, sub[1]) + `"`
	})
}

// resolve returns ref as an absolute URL relative to base. Unparseable
// references are returned unchanged.
func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
