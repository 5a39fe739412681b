package segcache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/auralis-ai/auralis/internal/session"
)

type countingSynth struct {
	inner Synthesizer
	calls int
	fail  error
}

func (s *countingSynth) Synthesize(ctx context.Context, text string, voice session.VoiceConfig) (Clip, error) {
	s.calls++
	if s.fail != nil {
		return Clip{}, s.fail
	}
	return s.inner.Synthesize(ctx, text, voice)
}

func newTestCache(t *testing.T, synth Synthesizer) *FileCache {
	t.Helper()
	c, err := NewFileCache(t.TempDir(), synth, nil, nil)
	if err != nil {
		t.Fatalf("NewFileCache: %v", err)
	}
	return c
}

func TestFileCache_MissThenHit(t *testing.T) {
	synth := &countingSynth{inner: &StaticSynthesizer{SampleRate: 24000}}
	c := newTestCache(t, synth)
	sess := session.NewUserSession("s1", "u1", time.Now())
	ctx := context.Background()

	audio, hit, dur, err := c.AudioForSegment(ctx, sess, "hello world")
	if err != nil {
		t.Fatalf("AudioForSegment: %v", err)
	}
	if hit {
		t.Fatal("first fetch must be a miss")
	}
	if len(audio) == 0 {
		t.Fatal("audio must not be empty")
	}
	// One second of 16-bit mono at 24 kHz.
	if dur < 0.99 || dur > 1.01 {
		t.Errorf("duration = %v, want ~1s estimated from byte rate", dur)
	}

	_, hit, _, err = c.AudioForSegment(ctx, sess, "hello world")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !hit {
		t.Fatal("second fetch must be a hit")
	}
	if synth.calls != 1 {
		t.Errorf("synthesiser called %d times, want 1", synth.calls)
	}
}

func TestFileCache_KeyVariesByVoice(t *testing.T) {
	synth := &countingSynth{inner: &StaticSynthesizer{}}
	c := newTestCache(t, synth)
	ctx := context.Background()

	a := session.NewUserSession("s1", "u1", time.Now())
	b := session.NewUserSession("s2", "u2", time.Now())
	voice := "onyx"
	b.UpdateVoiceConfig(session.VoiceConfigPatch{VoiceID: &voice})

	if _, _, _, err := c.AudioForSegment(ctx, a, "same text"); err != nil {
		t.Fatal(err)
	}
	if _, hit, _, err := c.AudioForSegment(ctx, b, "same text"); err != nil || hit {
		t.Fatalf("different voice must miss: hit=%v err=%v", hit, err)
	}
	if synth.calls != 2 {
		t.Errorf("synthesiser called %d times, want 2", synth.calls)
	}
}

func TestFileCache_PrefetchPopulates(t *testing.T) {
	synth := &countingSynth{inner: &StaticSynthesizer{}}
	c := newTestCache(t, synth)
	sess := session.NewUserSession("s1", "u1", time.Now())
	ctx := context.Background()

	if err := c.PrefetchSegment(ctx, sess, "segment two"); err != nil {
		t.Fatalf("PrefetchSegment: %v", err)
	}
	if err := c.PrefetchSegment(ctx, sess, "segment two"); err != nil {
		t.Fatalf("repeat prefetch: %v", err)
	}
	if synth.calls != 1 {
		t.Errorf("synthesiser called %d times, want 1", synth.calls)
	}

	_, hit, _, err := c.AudioForSegment(ctx, sess, "segment two")
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("serve after prefetch must be a hit")
	}
}

func TestFileCache_SynthesisErrorPropagates(t *testing.T) {
	boom := errors.New("provider down")
	c := newTestCache(t, &countingSynth{inner: &StaticSynthesizer{}, fail: boom})
	sess := session.NewUserSession("s1", "u1", time.Now())

	_, _, _, err := c.AudioForSegment(context.Background(), sess, "x")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped provider error", err)
	}
}

func TestFileCache_ManifestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	synth := &countingSynth{inner: &StaticSynthesizer{}}
	c, err := NewFileCache(dir, synth, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := session.NewUserSession("s1", "u1", time.Now())
	if _, _, _, err := c.AudioForSegment(context.Background(), sess, "persisted"); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileCache(dir, synth, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, hit, _, err := reopened.AudioForSegment(context.Background(), sess, "persisted")
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("reopened cache must hit on persisted entry")
	}

	var entries map[string]manifestEntry
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("manifest not valid JSON: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("manifest has %d entries, want 1", len(entries))
	}
}

func TestFileCache_Coverage(t *testing.T) {
	c := newTestCache(t, &StaticSynthesizer{})
	sess := session.NewUserSession("s1", "u1", time.Now())
	segments := []string{"a", "b", "c", "d"}

	if err := c.PrefetchSegment(context.Background(), sess, "a"); err != nil {
		t.Fatal(err)
	}
	if err := c.PrefetchSegment(context.Background(), sess, "c"); err != nil {
		t.Fatal(err)
	}

	cov := c.Coverage(segments, sess.Voice())
	if cov.Total != 4 || cov.Cached != 2 || cov.Ratio != 0.5 {
		t.Errorf("coverage = %+v, want 2/4", cov)
	}

	empty := c.Coverage(nil, sess.Voice())
	if empty.Ratio != 0 {
		t.Errorf("empty coverage ratio = %v, want 0", empty.Ratio)
	}
}
