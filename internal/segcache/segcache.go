// Package segcache caches synthesised audio for topic segments so that
// repeated playback never pays the TTS round-trip twice.
//
// The cache is keyed by voice configuration and segment text; the audio
// bus reads through it on every request_audio and prefetch.
package segcache

import (
	"context"

	"github.com/auralis-ai/auralis/internal/session"
)

// Clip is one synthesised audio segment. DurationSeconds may be zero when
// the synthesiser does not report it; the cache then estimates it from the
// PCM byte rate.
type Clip struct {
	PCM             []byte
	SampleRate      int
	DurationSeconds float64
}

// Synthesizer is the only contact point with a TTS engine.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice session.VoiceConfig) (Clip, error)
}

// Cache serves audio for segments, tracking whether the bytes came from
// the cache or a fresh synthesis.
type Cache interface {
	// AudioForSegment returns the audio for text in the session's current
	// voice. hit reports whether the audio was already cached at the time
	// of this call.
	AudioForSegment(ctx context.Context, sess *session.UserSession, text string) (audio []byte, hit bool, durationSeconds float64, err error)

	// PrefetchSegment synthesises and caches text without returning the
	// audio. Already-cached segments are a no-op.
	PrefetchSegment(ctx context.Context, sess *session.UserSession, text string) error
}

// Coverage summarises how much of a segment list is already cached for a
// given voice.
type Coverage struct {
	Total  int     `json:"total"`
	Cached int     `json:"cached"`
	Ratio  float64 `json:"ratio"`
}
