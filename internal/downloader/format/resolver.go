package format

import (
	"fmt"
	"strconv"
	"strings"
)

// Policy decides what the selector asks for when the requested tier has
// no exact match on the source.
type Policy string

const (
	// PolicyCeiling takes the best stream not exceeding the tier
	PolicyCeiling Policy = "ceiling"
	// PolicyCeilingOrBest falls back to the best stream overall when the
	// source has nothing at or below the tier
	PolicyCeilingOrBest Policy = "ceiling-or-best"
	// PolicyExact only accepts the requested height
	PolicyExact Policy = "exact"
)

// ParsePolicy returns PolicyCeiling for an empty string
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyCeiling, nil
	case PolicyCeiling, PolicyCeilingOrBest, PolicyExact:
		return p, nil
	default:
		return "", fmt.Errorf("unknown format fallback policy %q", s)
	}
}

// TranscodeMode is the post-processing applied after extraction
type TranscodeMode int

const (
	// Remux copies streams into Container without re-encoding
	Remux TranscodeMode = iota
	// ExtractAudio drops video and encodes audio with Codec at Bitrate
	ExtractAudio
)

// Transcode is the second process stage directive
type Transcode struct {
	Mode      TranscodeMode
	Container string // target extension and muxer
	Codec     string
	Bitrate   int // kbps

	// OnlyIfContainerDiffers skips the stage when the extractor already
	// produced Container.
	OnlyIfContainerDiffers bool
}

// Needed reports whether a file with extension ext must go through the
// transcoder.
func (t *Transcode) Needed(ext string) bool {
	if t == nil {
		return false
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if t.OnlyIfContainerDiffers && ext == t.Container {
		return false
	}
	return true
}

// Args builds the transcoder arguments converting input to output.
// Progress is written to stdout as key=value pairs.
func (t *Transcode) Args(input, output string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input}
	switch t.Mode {
	case ExtractAudio:
		args = append(args, "-vn", "-c:a", t.Codec, "-b:a", strconv.Itoa(t.Bitrate)+"k")
	default:
		args = append(args, "-map", "0", "-c", "copy")
		if t.Container == "mp4" {
			args = append(args, "-movflags", "+faststart")
		}
	}
	return append(args, "-progress", "pipe:1", "-nostats", "-f", t.Container, output)
}

// Spec is the resolved, concrete request for one item
type Spec struct {
	Kind     Kind
	Tier     Tier
	Selector string

	// ExtractorArgs select the streams and container; they do not include
	// the URL or output template.
	ExtractorArgs []string

	// Container is the extension of the finished file
	Container string

	// Transcode is nil when the extractor output is already final
	Transcode *Transcode
}

// Resolver turns kind and tier into a Spec. It is pure: no I/O.
type Resolver struct {
	policy Policy
}

// NewResolver creates a resolver with the given fallback policy
func NewResolver(policy Policy) *Resolver {
	if policy == "" {
		policy = PolicyCeiling
	}
	return &Resolver{policy: policy}
}

// Policy returns the configured fallback policy
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve builds the Spec for kind at tier
func (r *Resolver) Resolve(kind Kind, tier Tier) (Spec, error) {
	switch kind {
	case KindVideo:
		if !containsTier(VideoTiers, tier) {
			return Spec{}, fmt.Errorf("%w: %q is not a video tier", ErrInvalidTier, tier)
		}
		return r.video(tier), nil
	case KindAudio:
		if !containsTier(AudioTiers, tier) {
			return Spec{}, fmt.Errorf("%w: %q is not an audio tier", ErrInvalidTier, tier)
		}
		return r.audio(tier), nil
	default:
		return Spec{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTier, kind)
	}
}

func (r *Resolver) video(tier Tier) Spec {
	h := tier.Value()

	var chain []string
	if r.policy == PolicyExact {
		chain = []string{
			fmt.Sprintf("bestvideo[height=%d][ext=mp4]+bestaudio[ext=m4a]", h),
			fmt.Sprintf("bestvideo[height=%d]+bestaudio", h),
			fmt.Sprintf("best[height=%d]", h),
		}
	} else {
		chain = []string{
			fmt.Sprintf("bestvideo[height<=%d][ext=mp4]+bestaudio[ext=m4a]", h),
			fmt.Sprintf("bestvideo[height<=%d]+bestaudio", h),
			fmt.Sprintf("best[height<=%d]", h),
		}
		if r.policy == PolicyCeilingOrBest {
			chain = append(chain, "bestvideo+bestaudio", "best")
		}
	}
	selector := strings.Join(chain, "/")

	return Spec{
		Kind:          KindVideo,
		Tier:          tier,
		Selector:      selector,
		ExtractorArgs: []string{"-f", selector, "--merge-output-format", "mp4"},
		Container:     "mp4",
		Transcode: &Transcode{
			Mode:                   Remux,
			Container:              "mp4",
			OnlyIfContainerDiffers: true,
		},
	}
}

func (r *Resolver) audio(tier Tier) Spec {
	b := tier.Value()

	// The transcoder enforces the bitrate, so any audio stream will do
	// when none is under the ceiling.
	selector := fmt.Sprintf("bestaudio[abr<=%d]/bestaudio/best", b)

	return Spec{
		Kind:          KindAudio,
		Tier:          tier,
		Selector:      selector,
		ExtractorArgs: []string{"-f", selector},
		Container:     "mp3",
		Transcode: &Transcode{
			Mode:      ExtractAudio,
			Container: "mp3",
			Codec:     "libmp3lame",
			Bitrate:   b,
		},
	}
}
