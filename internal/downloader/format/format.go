// Package format maps a media kind and quality tier to extractor format
// selection arguments and the post-processing the transcoder must apply.
package format

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind of media requested
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// ParseKind accepts "video" or "audio" in any case
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video", "":
		return KindVideo, nil
	case "audio":
		return KindAudio, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTier, s)
	}
}

// Tier is a quality tier: "720p" for video, "320k" for audio
type Tier string

const (
	Tier2160p Tier = "2160p"
	Tier1440p Tier = "1440p"
	Tier1080p Tier = "1080p"
	Tier720p  Tier = "720p"
	Tier480p  Tier = "480p"
	Tier360p  Tier = "360p"
	Tier240p  Tier = "240p"
	Tier144p  Tier = "144p"

	Tier320k Tier = "320k"
	Tier256k Tier = "256k"
	Tier192k Tier = "192k"
	Tier128k Tier = "128k"
)

// VideoTiers in descending order
var VideoTiers = []Tier{Tier2160p, Tier1440p, Tier1080p, Tier720p, Tier480p, Tier360p, Tier240p, Tier144p}

// AudioTiers in descending order
var AudioTiers = []Tier{Tier320k, Tier256k, Tier192k, Tier128k}

// DefaultTier returns the tier used when none is requested
func DefaultTier(kind Kind) Tier {
	if kind == KindAudio {
		return Tier320k
	}
	return Tier1080p
}

// ErrInvalidTier is returned for unknown kinds and tiers
var ErrInvalidTier = errors.New("invalid quality tier")

var tierAliases = map[string]Tier{
	"4k":  Tier2160p,
	"uhd": Tier2160p,
	"2k":  Tier1440p,
	"qhd": Tier1440p,
	"fhd": Tier1080p,
	"hd":  Tier720p,
	"sd":  Tier480p,
}

// ParseTier normalizes user input such as "720", "720p (HD)", "4K",
// "320kbps" or "192" into a tier valid for kind. An empty string yields
// the default tier.
func ParseTier(kind Kind, s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultTier(kind), nil
	}
	// Drop display suffixes like "(hd)"
	if i := strings.IndexAny(s, " ("); i > 0 {
		s = s[:i]
	}

	if kind == KindVideo {
		if t, ok := tierAliases[s]; ok {
			return t, nil
		}
		s = strings.TrimSuffix(s, "p")
		t := Tier(s + "p")
		if containsTier(VideoTiers, t) {
			return t, nil
		}
		return "", fmt.Errorf("%w: %q is not a video tier", ErrInvalidTier, s)
	}

	s = strings.TrimSuffix(s, "ps")
	s = strings.TrimSuffix(s, "b")
	s = strings.TrimSuffix(s, "k")
	t := Tier(s + "k")
	if containsTier(AudioTiers, t) {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q is not an audio tier", ErrInvalidTier, s)
}

// Value returns the numeric ceiling of the tier: height in pixels for
// video, bitrate in kbps for audio.
func (t Tier) Value() int {
	n, _ := strconv.Atoi(strings.TrimRight(string(t), "pk"))
	return n
}

func containsTier(tiers []Tier, t Tier) bool {
	for _, x := range tiers {
		if x == t {
			return true
		}
	}
	return false
}
