// Package progress turns extractor and transcoder output lines into
// structured events. Parsing is best effort: anything it does not
// understand comes back as Unrecognized and never fails a download.
package progress

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Stage of a single download
type Stage int

const (
	StageResolving Stage = iota
	StageDownloading
	StageConverting
)

func (s Stage) String() string {
	switch s {
	case StageResolving:
		return "resolving"
	case StageDownloading:
		return "downloading"
	case StageConverting:
		return "converting"
	default:
		return "unknown"
	}
}

// Kind tags what a parsed line carried
type Kind int

const (
	Unrecognized Kind = iota
	Progress
	Destination
	Error
	Info
)

func (k Kind) String() string {
	switch k {
	case Progress:
		return "progress"
	case Destination:
		return "destination"
	case Error:
		return "error"
	case Info:
		return "info"
	default:
		return "unrecognized"
	}
}

// Class is the failure category of an error marker
type Class int

const (
	ClassNone Class = iota
	ClassNetwork
	ClassUnsupported
	ClassUnavailable
	ClassFormat
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassUnsupported:
		return "unsupported"
	case ClassUnavailable:
		return "unavailable"
	case ClassFormat:
		return "format"
	case ClassUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Event is the structured form of one output line
type Event struct {
	Kind  Kind
	Stage Stage

	// Progress fields. Percent is valid when HasPercent is set.
	Percent    float64
	HasPercent bool
	Speed      uint64 // bytes per second
	TotalBytes uint64
	ETA        time.Duration

	// Destination fields. Final is set for the merged or post-processed file.
	Path  string
	Final bool

	// Error and Info fields
	Class   Class
	Message string
}

var (
	tagPattern         = regexp.MustCompile(`^\[([A-Za-z0-9_:+-]+)\]\s*(.*)$`)
	percentPattern     = regexp.MustCompile(`^(\d+(?:\.\d+)?)%`)
	sizePattern        = regexp.MustCompile(`of\s+~?\s*(\d+(?:\.\d+)?\s*[KMGT]?i?B)`)
	speedPattern       = regexp.MustCompile(`at\s+(\d+(?:\.\d+)?\s*[KMGT]?i?B)/s`)
	etaPattern         = regexp.MustCompile(`ETA\s+(\d{1,2}):(\d{2})(?::(\d{2}))?`)
	destinationPattern = regexp.MustCompile(`^Destination:\s+(.+)$`)
	mergerPattern      = regexp.MustCompile(`^Merging formats into "(.+)"$`)
	alreadyPattern     = regexp.MustCompile(`^(.+) has already been downloaded`)
	durationPattern    = regexp.MustCompile(`Duration:\s+(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// Parser holds the small amount of state needed across lines of one
// process run: the last stage seen and the input duration reported by
// the transcoder.
type Parser struct {
	stage    Stage
	duration time.Duration
}

// NewParser returns a parser positioned at the resolving stage
func NewParser() *Parser {
	return &Parser{stage: StageResolving}
}

// Stage returns the last stage seen
func (p *Parser) Stage() Stage {
	return p.stage
}

// Parse classifies one line. The boolean is false for unrecognized lines.
func (p *Parser) Parse(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{Kind: Unrecognized, Stage: p.stage}, false
	}

	switch {
	case strings.HasPrefix(line, "ERROR:"):
		msg := strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		return Event{Kind: Error, Stage: p.stage, Class: Classify(msg), Message: msg}, true
	case strings.HasPrefix(line, "WARNING:"):
		msg := strings.TrimSpace(strings.TrimPrefix(line, "WARNING:"))
		return Event{Kind: Info, Stage: p.stage, Message: msg}, true
	}

	if m := tagPattern.FindStringSubmatch(line); m != nil {
		return p.parseTagged(m[1], m[2])
	}

	return p.parseTranscoder(line)
}

func (p *Parser) parseTagged(tag, rest string) (Event, bool) {
	switch tag {
	case "download":
		p.stage = StageDownloading
		return p.parseDownload(rest)
	case "Merger":
		p.stage = StageConverting
		if m := mergerPattern.FindStringSubmatch(rest); m != nil {
			return Event{Kind: Destination, Stage: p.stage, Path: m[1], Final: true}, true
		}
	case "ExtractAudio", "VideoConvertor", "VideoRemuxer":
		p.stage = StageConverting
		if m := destinationPattern.FindStringSubmatch(rest); m != nil {
			return Event{Kind: Destination, Stage: p.stage, Path: m[1], Final: true}, true
		}
	case "ffmpeg", "FixupM3u8", "FixupM4a", "FixupStretched", "FixupDuplicateMoov", "Metadata", "EmbedThumbnail":
		p.stage = StageConverting
	}

	return Event{Kind: Info, Stage: p.stage, Message: rest}, true
}

func (p *Parser) parseDownload(rest string) (Event, bool) {
	if m := destinationPattern.FindStringSubmatch(rest); m != nil {
		return Event{Kind: Destination, Stage: p.stage, Path: m[1]}, true
	}

	if m := alreadyPattern.FindStringSubmatch(rest); m != nil {
		return Event{Kind: Destination, Stage: p.stage, Path: m[1], Percent: 100, HasPercent: true}, true
	}

	m := percentPattern.FindStringSubmatch(rest)
	if m == nil {
		return Event{Kind: Info, Stage: p.stage, Message: rest}, true
	}

	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Event{Kind: Unrecognized, Stage: p.stage}, false
	}

	ev := Event{Kind: Progress, Stage: p.stage, Percent: clamp(percent), HasPercent: true}

	if sm := sizePattern.FindStringSubmatch(rest); sm != nil {
		if n, err := humanize.ParseBytes(sm[1]); err == nil {
			ev.TotalBytes = n
		}
	}
	if sm := speedPattern.FindStringSubmatch(rest); sm != nil {
		if n, err := humanize.ParseBytes(sm[1]); err == nil {
			ev.Speed = n
		}
	}
	if em := etaPattern.FindStringSubmatch(rest); em != nil {
		ev.ETA = parseClock(em[1], em[2], em[3])
	}

	return ev, true
}

// parseTranscoder handles the transcoder's banner and its -progress
// key=value stream.
func (p *Parser) parseTranscoder(line string) (Event, bool) {
	if m := durationPattern.FindStringSubmatch(line); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		sec, _ := strconv.ParseFloat(m[3], 64)
		p.duration = time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec*float64(time.Second))
		return Event{Kind: Info, Stage: p.stage, Message: line}, true
	}

	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return Event{Kind: Unrecognized, Stage: p.stage}, false
	}

	switch strings.TrimSpace(key) {
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds
		p.stage = StageConverting
		us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || us < 0 || p.duration <= 0 {
			return Event{Kind: Info, Stage: p.stage, Message: line}, true
		}
		elapsed := time.Duration(us) * time.Microsecond
		percent := float64(elapsed) / float64(p.duration) * 100
		return Event{
			Kind:       Progress,
			Stage:      p.stage,
			Percent:    clamp(percent),
			HasPercent: true,
		}, true
	case "progress":
		p.stage = StageConverting
		if strings.TrimSpace(value) == "end" {
			return Event{Kind: Progress, Stage: p.stage, Percent: 100, HasPercent: true}, true
		}
		return Event{Kind: Info, Stage: p.stage, Message: line}, true
	}

	return Event{Kind: Unrecognized, Stage: p.stage}, false
}

var classRules = []struct {
	class   Class
	markers []string
}{
	{ClassUnsupported, []string{
		"unsupported url",
		"is not a valid url",
		"no video formats found",
		"no suitable extractor",
	}},
	{ClassFormat, []string{
		"requested format is not available",
		"requested format not available",
	}},
	{ClassUnavailable, []string{
		"private video",
		"video unavailable",
		"has been removed",
		"account associated with this video has been terminated",
		"members-only",
		"join this channel",
		"sign in to confirm your age",
		"copyright",
		"not available in your country",
		"http error 404",
		"http error 410",
	}},
	{ClassNetwork, []string{
		"unable to download",
		"timed out",
		"timeout",
		"connection reset",
		"connection refused",
		"connection aborted",
		"network is unreachable",
		"temporary failure in name resolution",
		"name or service not known",
		"getaddrinfo failed",
		"urlopen error",
		"incompleteread",
		"read operation timed out",
		"http error 403",
		"http error 429",
		"http error 5",
		"got error",
		"giving up after",
	}},
}

// Classify maps an error message to a failure class
func Classify(msg string) Class {
	lower := strings.ToLower(msg)
	for _, rule := range classRules {
		for _, marker := range rule.markers {
			if strings.Contains(lower, marker) {
				return rule.class
			}
		}
	}
	return ClassUnknown
}

func parseClock(a, b, c string) time.Duration {
	x, _ := strconv.Atoi(a)
	y, _ := strconv.Atoi(b)
	if c == "" {
		return time.Duration(x)*time.Minute + time.Duration(y)*time.Second
	}
	z, _ := strconv.Atoi(c)
	return time.Duration(x)*time.Hour + time.Duration(y)*time.Minute + time.Duration(z)*time.Second
}

func clamp(percent float64) float64 {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
