package playlist

import (
	"encoding/json"
	"net/url"

	"hls-playback/internal/cache"
)

// CachedManifest is a manifest cache value: the normalized text plus the
// descriptor fields that re-parsing the text cannot recover.
type CachedManifest struct {
	Source         string      `json:"source"`
	Format         Format      `json:"format"`
	Original       HeaderFlags `json:"original"`
	TargetDuration int         `json:"target_duration,omitempty"`
	MediaSequence  int64       `json:"media_sequence,omitempty"`
	Text           string      `json:"text"`
}

// ManifestCodec stores CachedManifest values as JSON in a cache tier.
var ManifestCodec = cache.Codec[CachedManifest]{
	Encode: func(m CachedManifest) []byte {
		b, _ := json.Marshal(m)
		return b
	},
	Decode: func(b []byte) (CachedManifest, error) {
		var m CachedManifest
		err := json.Unmarshal(b, &m)
		return m, err
	},
}

// NewCachedManifest captures d for the manifest cache.
func NewCachedManifest(d *Descriptor) CachedManifest {
	return CachedManifest{
		Source:         d.Source,
		Format:         d.Format,
		Original:       d.Original,
		TargetDuration: d.TargetDuration,
		MediaSequence:  d.MediaSequence,
		Text:           Build(d),
	}
}

// Descriptor decodes the cached text and restores the source metadata.
// fallback resolves the text when the cached source is unusable.
func (m CachedManifest) Descriptor(fallback *url.URL) (*Descriptor, error) {
	base := fallback
	if u, err := url.Parse(m.Source); err == nil && u.Host != "" {
		base = u
	}
	d, err := Parse(m.Text, base)
	if err != nil {
		return nil, err
	}
	d.Source = base.String()
	d.Format = m.Format
	d.Original = m.Original
	d.TargetDuration = m.TargetDuration
	d.MediaSequence = m.MediaSequence
	return d, nil
}
