package playlist

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"hls-playback/internal/streamerr"
)

// SelectVariant decodes a multivariant playlist and returns the absolute URL
// of the variant to play. Audio-only sessions take the first listed variant,
// which origins conventionally order as the default rendition.
func SelectVariant(content string, base *url.URL) (string, error) {
	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(content), false)
	if err != nil {
		return "", streamerr.New(streamerr.UnrecognizedFormat, "select variant", base.String(), fmt.Errorf("malformed master playlist: %w", err))
	}
	if listType != m3u8.MASTER {
		return "", streamerr.New(streamerr.UnrecognizedFormat, "select variant", base.String(), fmt.Errorf("expected master playlist"))
	}

	master := pl.(*m3u8.MasterPlaylist)
	for _, v := range master.Variants {
		if v == nil || strings.TrimSpace(v.URI) == "" {
			continue
		}
		return resolve(base, strings.TrimSpace(v.URI)), nil
	}
	return "", streamerr.New(streamerr.UnrecognizedFormat, "select variant", base.String(), fmt.Errorf("master playlist has no variants"))
}
