package playlist

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-playback/internal/streamerr"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestParse_BareList(t *testing.T) {
	base := mustURL(t, "http://origin/tracks/42/index.m3u8")
	d, err := Parse("seg1.ts\nseg2.ts\nseg3.ts", base)
	require.NoError(t, err)

	assert.Equal(t, BareList, d.Format)
	require.Len(t, d.Segments, 3)
	for i, s := range d.Segments {
		assert.Equal(t, "10.0,", s.DurationTag, "segment %d", i)
	}
	assert.Equal(t, "http://origin/tracks/42/seg1.ts", d.Segments[0].URL)
	assert.True(t, d.Headers.Complete())
	assert.False(t, d.Original.HasVersion)

	out := Build(d)
	assert.Equal(t, 1, strings.Count(out, "#EXTM3U"))
	assert.Equal(t, 1, strings.Count(out, "#EXT-X-VERSION:"))
	assert.Equal(t, 1, strings.Count(out, "#EXT-X-TARGETDURATION:"))
	assert.Equal(t, 1, strings.Count(out, "#EXT-X-MEDIA-SEQUENCE:"))
	assert.True(t, strings.HasSuffix(out, "#EXT-X-ENDLIST\n"))
}

func TestParse_BareListCompletenessProperty(t *testing.T) {
	base := mustURL(t, "http://origin/p.m3u8")
	inputs := []string{
		"a.ts\nb.ts",
		"  a.ts  \r\n\r\n b.ts\r\n",
		"/abs/a.aac\nhttp://cdn/b.aac\nc.aac\nd.aac\ne.aac",
		strings.Repeat("x.ts\n", 40),
	}
	for _, in := range inputs {
		d, err := Parse(in, base)
		require.NoError(t, err, in)
		out := Build(d)
		for _, h := range []string{"#EXTM3U", "#EXT-X-VERSION:", "#EXT-X-TARGETDURATION:", "#EXT-X-MEDIA-SEQUENCE:", "#EXT-X-ENDLIST"} {
			assert.Equal(t, 1, strings.Count(out, h), "%q: %s", in, h)
		}
		assert.True(t, strings.HasSuffix(out, "#EXT-X-ENDLIST\n"))
	}
}

func TestParse_SingleSegment(t *testing.T) {
	d, err := Parse("  track.mp3 \n", mustURL(t, "http://origin/a/list"))
	require.NoError(t, err)
	assert.Equal(t, SingleSegment, d.Format)
	require.Len(t, d.Segments, 1)
	assert.Equal(t, "http://origin/a/track.mp3", d.Segments[0].URL)
}

func TestParse_WellFormed(t *testing.T) {
	content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:7
#EXT-X-KEY:METHOD=AES-128,URI="keys/k1"
#EXTINF:5.5,Intro
s1.ts
#EXT-X-DISCONTINUITY
#EXTINF:6.0,
s2.ts
#EXT-X-ENDLIST
`
	d, err := Parse(content, mustURL(t, "https://cdn.example/t/index.m3u8"))
	require.NoError(t, err)

	assert.Equal(t, WellFormed, d.Format)
	assert.True(t, d.Original.Complete())
	assert.Equal(t, 6, d.TargetDuration)
	assert.Equal(t, int64(7), d.MediaSequence)
	require.Len(t, d.Segments, 2)
	assert.Equal(t, "5.5,Intro", d.Segments[0].DurationTag)
	assert.Equal(t, []string{`#EXT-X-KEY:METHOD=AES-128,URI="https://cdn.example/t/keys/k1"`}, d.Segments[0].Tags)
	assert.Equal(t, []string{"#EXT-X-DISCONTINUITY"}, d.Segments[1].Tags)
	assert.InDelta(t, 11.5, d.TotalDuration(), 1e-9)

	out := Build(d)
	assert.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:7")
	assert.Contains(t, out, "#EXTINF:5.5,Intro\nhttps://cdn.example/t/s1.ts")
}

func TestParse_WellFormedMissingHeadersIsHealed(t *testing.T) {
	d, err := Parse("#EXTINF:4.0,\na.ts\nb.ts\n", mustURL(t, "http://o/x.m3u8"))
	require.NoError(t, err)
	assert.False(t, d.Original.HasVersion)
	assert.True(t, d.Original.HasExtinf)
	assert.True(t, d.Headers.Complete())
	assert.Equal(t, "", d.Segments[1].DurationTag)

	out := Build(d)
	assert.Contains(t, out, "#EXTINF:10.0,\nhttp://o/b.ts")
	assert.Contains(t, out, "#EXT-X-TARGETDURATION:10")
}

func TestParse_Rejects(t *testing.T) {
	base := mustURL(t, "http://o/x.m3u8")
	tests := []struct {
		name    string
		content string
		kind    streamerr.Kind
	}{
		{"comment and segment", "# note\nseg.ts", streamerr.UnrecognizedFormat},
		{"single comment", "#hello", streamerr.UnrecognizedFormat},
		{"header without segments", "#EXTM3U\n#EXT-X-VERSION:3\n", streamerr.UnrecognizedFormat},
		{"hash inside single line", "seg#1.ts", streamerr.UnrecognizedFormat},
		{"whitespace", " \n\t\n", streamerr.EmptySource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content, base)
			require.Error(t, err)
			assert.Equal(t, tt.kind, streamerr.KindOf(err))
		})
	}
}

func TestSelectVariant(t *testing.T) {
	master := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
audio/128/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.2"
audio/64/index.m3u8
`
	require.True(t, IsMaster(master))
	v, err := SelectVariant(master, mustURL(t, "http://o/t/master.m3u8"))
	require.NoError(t, err)
	assert.Equal(t, "http://o/t/audio/128/index.m3u8", v)
}
