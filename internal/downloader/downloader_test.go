package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader/format"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/playlist"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/process"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/progress"
	"github.com/0x3EF8/Micro-Downloader/internal/retry"
)

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		data     TemplateData
		want     string
	}{
		{"default", DefaultFilenameTemplate, TemplateData{Title: "Song", ID: "abc"}, "Song [abc]"},
		{"missing id drops brackets", DefaultFilenameTemplate, TemplateData{Title: "Song"}, "Song"},
		{"missing title uses id", DefaultFilenameTemplate, TemplateData{ID: "abc"}, "abc [abc]"},
		{"padded index", "{index:03d} - {title}", TemplateData{Title: "Intro", Index: 7}, "007 - Intro"},
		{"plain index", "{playlist} {index}", TemplateData{Playlist: "Mix", Index: 12}, "Mix 12"},
		{"kind and quality", "{title} ({kind} {quality})", TemplateData{Title: "T", Kind: KindAudio, Quality: "192k"}, "T (audio 192k)"},
		{"unsafe characters", "{title}", TemplateData{Title: `AC/DC: "Live" <1991>?`}, "AC-DC - 'Live' 1991"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTemplate(tt.template, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseTemplate("", TemplateData{})
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "download", SanitizeFilename(" ... "))
	assert.Equal(t, "a b", SanitizeFilename("a\t\nb"))

	long := ""
	for i := 0; i < 60; i++ {
		long += "word "
	}
	got := SanitizeFilename(long)
	assert.LessOrEqual(t, len(got), 200)
	assert.NotContains(t, got[len(got)-1:], " ")

	// Multi-byte runes are never split
	multi := ""
	for i := 0; i < 120; i++ {
		multi += "é"
	}
	assert.True(t, len(SanitizeFilename(multi)) <= 200)
	assert.Equal(t, 0, len(SanitizeFilename(multi))%2)
}

func TestValidateTemplate(t *testing.T) {
	assert.NoError(t, ValidateTemplate("{index:02d} {title} [{id}]"))
	assert.Error(t, ValidateTemplate(""))
	assert.Error(t, ValidateTemplate("{title"))
	assert.Error(t, ValidateTemplate("{episode}"))
}

func TestUniqueName(t *testing.T) {
	taken := map[string]bool{"a": true, "a (1)": true}
	assert.Equal(t, "a (2)", uniqueName("a", func(s string) bool { return taken[s] }))
	assert.Equal(t, "b", uniqueName("b", func(s string) bool { return taken[s] }))
}

func TestEscapeOutputTemplate(t *testing.T) {
	assert.Equal(t, "100%% real", escapeOutputTemplate("100% real"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"not found", fmt.Errorf("listing: %w", process.ErrNotFound), ExecutableNotFound},
		{"process canceled", process.ErrCanceled, Canceled},
		{"context canceled", context.Canceled, Canceled},
		{"process timeout", process.ErrTimeout, Timeout},
		{"unsupported listing", &playlist.Error{Class: progress.ClassUnsupported}, UnsupportedSource},
		{"removed content", &playlist.Error{Class: progress.ClassUnavailable}, UnsupportedSource},
		{"network listing", &playlist.Error{Class: progress.ClassNetwork}, NetworkFailure},
		{"format", &playlist.Error{Class: progress.ClassFormat}, FormatUnavailable},
		{"bare exit", &process.ExitError{Path: "yt-dlp", Code: 2}, ExtractionFailure},
		{"anything else", errors.New("boom"), ExtractionFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, classify(tt.err).Kind)
		})
	}

	assert.Nil(t, classify(nil))
}

func TestClassifyExhausted(t *testing.T) {
	inner := newError(NetworkFailure, "reset", nil)
	e := classify(&retry.ExhaustedError{Attempts: 3, Err: inner})

	assert.Equal(t, NetworkFailure, e.Kind)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, 0, inner.Attempts, "the wrapped error is not modified")
}

func TestErrorRetryable(t *testing.T) {
	for kind := range errorKindNames {
		e := &Error{Kind: kind}
		want := kind == NetworkFailure || kind == Timeout
		assert.Equal(t, want, e.Retryable(), kind.String())
		assert.NotEmpty(t, e.Reason(), kind.String())
	}
}

func TestErrorKindJSON(t *testing.T) {
	data, err := json.Marshal(&Error{Kind: FormatUnavailable, Message: "no 4k"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"format_unavailable","message":"no 4k"}`, string(data))

	var back Error
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, FormatUnavailable, back.Kind)
}

func TestChildAdvance(t *testing.T) {
	c := newChild(0, playlist.Item{}, "", "x", time.Hour)

	p, emit := c.advance(StageDownloading, 10)
	assert.Equal(t, 10.0, p)
	assert.True(t, emit, "stage change always emits")

	_, emit = c.advance(StageDownloading, 20)
	assert.False(t, emit, "throttled within the interval")

	p, _ = c.advance(StageDownloading, 5)
	assert.Equal(t, 20.0, p, "never moves backwards")

	p, emit = c.advance(StageConverting, 150)
	assert.Equal(t, runningCap, p)
	assert.True(t, emit)

	_, _ = c.advance(StageDownloading, 99)
	assert.Equal(t, StageConverting, c.stage, "stage never moves backwards")
}

func TestJobAggregateAndOutcome(t *testing.T) {
	j := &job{}
	for i := 0; i < 3; i++ {
		j.children = append(j.children, newChild(i, playlist.Item{}, "", fmt.Sprint(i), 0))
	}

	j.children[0].state, j.children[0].percent = ChildDone, 100
	j.children[1].state, j.children[1].percent = ChildFailed, 40
	j.children[2].state, j.children[2].percent = ChildRunning, 10
	assert.InDelta(t, 50.0, j.recomputeAggregate(), 0.001)
	assert.False(t, j.settled())

	j.children[2].state, j.children[2].percent = ChildDone, 100
	assert.InDelta(t, 80.0, j.recomputeAggregate(), 0.001)
	assert.True(t, j.settled())

	transient := newError(Timeout, "", nil)
	permanent := newError(FormatUnavailable, "", nil)
	j.recordFailure(transient)
	state, err := j.outcome()
	assert.Equal(t, StateFailed, state)
	assert.Same(t, transient, err)

	j.recordFailure(permanent)
	j.recordFailure(newError(UnsupportedSource, "", nil))
	_, err = j.outcome()
	assert.Same(t, permanent, err, "first permanent failure wins")

	j.cancelRequested = true
	state, _ = j.outcome()
	assert.Equal(t, StateCanceled, state)
}

func TestJobSummary(t *testing.T) {
	job := Job{
		State:        StateFailed,
		IsCollection: true,
		Children:     []Child{{State: ChildDone}, {State: ChildFailed}, {State: ChildDone}},
		Err:          &Error{Kind: UnsupportedSource},
	}
	assert.Equal(t, "Failed: this link is not supported or the content is unavailable (completed 2/3)", job.Summary())

	job.State, job.Err = StateCompleted, nil
	job.Children[1].State = ChildDone
	assert.Equal(t, "Completed 3/3", job.Summary())

	assert.Equal(t, "Canceled", Job{State: StateCanceled}.Summary())
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateRunning.IsTerminal())
	assert.True(t, StateCanceled.IsTerminal())
	assert.False(t, ChildPending.IsTerminal())
	assert.True(t, ChildDone.IsTerminal())
}

func TestDownloadShare(t *testing.T) {
	remux := &format.Transcode{Mode: format.Remux, Container: "mp4", OnlyIfContainerDiffers: true}
	audio := &format.Transcode{Mode: format.ExtractAudio, Container: "mp3", Codec: "libmp3lame", Bitrate: 192}

	assert.Equal(t, 100.0, initialShare(nil))
	assert.Equal(t, 100.0, initialShare(remux), "remux may never run")
	assert.Equal(t, downloadShare, initialShare(audio))

	tests := []struct {
		name  string
		t     *format.Transcode
		path  string
		final bool
		want  bool
	}{
		{"mp4 single file", remux, "/d/Clip [a].mp4", false, false},
		{"webm single file", remux, "/d/Clip [a].webm", false, true},
		{"audio stream of a merge", remux, "/d/Clip [a].f140.m4a", false, false},
		{"video stream of a merge", remux, "/d/Clip [a].f248.webm", false, false},
		{"merged into mkv", remux, "/d/Clip [a].mkv", true, true},
		{"merged into mp4", remux, "/d/Clip [a].mp4", true, false},
		{"audio always converts", audio, "/d/Clip [a].m4a", false, true},
		{"no transcode stage", nil, "/d/Clip [a].webm", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, needsTranscode(tt.t, "Clip [a]", tt.path, tt.final))
		})
	}
}
