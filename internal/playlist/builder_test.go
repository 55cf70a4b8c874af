package playlist

import (
	"strings"
	"testing"
)

func TestBuild_empty(t *testing.T) {
	out := Build(&Descriptor{})
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-VERSION:3") {
		t.Error("expected version 3")
	}
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:1") {
		t.Error("expected target duration 1 for empty")
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:0") {
		t.Error("expected media sequence 0")
	}
	if !strings.HasSuffix(out, "#EXT-X-ENDLIST\n") {
		t.Error("expected #EXT-X-ENDLIST")
	}
}

func TestBuild_with_segments(t *testing.T) {
	d := &Descriptor{
		MediaSequence: 38,
		Segments: []SegmentRef{
			{URL: "http://o/38.ts", DurationTag: "2.0,"},
			{URL: "http://o/39.ts", DurationTag: "2.0,"},
		},
	}
	out := Build(d)

	if !strings.Contains(out, "#EXT-X-TARGETDURATION:2") {
		t.Errorf("expected TARGETDURATION 2: %s", out)
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:38") {
		t.Errorf("expected MEDIA-SEQUENCE 38: %s", out)
	}
	if strings.Count(out, "#EXTINF:2.0,") != 2 {
		t.Errorf("expected two EXTINF 2.0 lines: %s", out)
	}
	if !strings.Contains(out, "http://o/38.ts\n") || !strings.Contains(out, "http://o/39.ts\n") {
		t.Errorf("expected segment urls: %s", out)
	}
}

func TestBuild_target_duration_ceiling(t *testing.T) {
	d := &Descriptor{Segments: []SegmentRef{{URL: "a.ts", DurationTag: "2.5,"}}}
	out := Build(d)
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:3") {
		t.Errorf("expected TARGETDURATION 3 (ceil 2.5): %s", out)
	}
}

func TestBuild_declared_target_duration_wins_when_larger(t *testing.T) {
	d := &Descriptor{TargetDuration: 6, Segments: []SegmentRef{{URL: "a.ts", DurationTag: "4.0,"}}}
	out := Build(d)
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:6") {
		t.Errorf("expected TARGETDURATION 6: %s", out)
	}
}

func TestBuild_missing_duration_tag_synthesized(t *testing.T) {
	d := &Descriptor{Segments: []SegmentRef{{URL: "a.ts"}, {URL: "b.ts", DurationTag: "4"}}}
	out := Build(d)
	if !strings.Contains(out, "#EXTINF:10.0,\na.ts") {
		t.Errorf("expected synthesized 10.0 tag: %s", out)
	}
	if !strings.Contains(out, "#EXTINF:4,\nb.ts") {
		t.Errorf("expected comma appended to bare duration: %s", out)
	}
}

func TestBuild_preserves_segment_tags_and_version(t *testing.T) {
	d := &Descriptor{Segments: []SegmentRef{
		{URL: "a.m4s", DurationTag: "6.0,", Tags: []string{`#EXT-X-MAP:URI="init.mp4"`}},
	}}
	out := Build(d)
	if !strings.Contains(out, "#EXT-X-VERSION:6") {
		t.Errorf("expected version 6 for EXT-X-MAP: %s", out)
	}
	if !strings.Contains(out, "#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:6.0,\na.m4s") {
		t.Errorf("expected map tag before segment: %s", out)
	}
}

func TestBuild_headers_appear_exactly_once(t *testing.T) {
	d := &Descriptor{Segments: []SegmentRef{{URL: "a.ts"}, {URL: "b.ts"}, {URL: "c.ts"}}}
	out := Build(d)
	for _, h := range []string{"#EXTM3U", "#EXT-X-VERSION:", "#EXT-X-TARGETDURATION:", "#EXT-X-MEDIA-SEQUENCE:", "#EXT-X-ENDLIST"} {
		if n := strings.Count(out, h); n != 1 {
			t.Errorf("%s appears %d times", h, n)
		}
	}
}
