package segcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/singleflight"

	"github.com/auralis-ai/auralis/internal/clock"
	"github.com/auralis-ai/auralis/internal/session"
)

// bytesPerSample assumes 16-bit mono PCM, the format every supported
// synthesiser emits.
const bytesPerSample = 2

const manifestName = "manifest.json"

// manifestEntry describes one cached clip on disk.
type manifestEntry struct {
	File            string    `json:"file"`
	SizeBytes       int       `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	SampleRate      int       `json:"sample_rate"`
	CreatedAt       time.Time `json:"created_at"`
}

// FileCache is a [Cache] persisting clips as raw PCM files under a base
// directory, indexed by a manifest written atomically on every update.
type FileCache struct {
	dir   string
	synth Synthesizer
	clk   clock.Clock
	log   *slog.Logger

	// group collapses concurrent synthesis requests for the same key,
	// typically a request_audio racing its own prefetch.
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]manifestEntry
}

var _ Cache = (*FileCache)(nil)

// NewFileCache opens (or creates) a cache under dir. An existing manifest
// is loaded; a corrupt one is discarded and rebuilt over time.
func NewFileCache(dir string, synth Synthesizer, clk clock.Clock, log *slog.Logger) (*FileCache, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audio cache dir: %w", err)
	}

	c := &FileCache{
		dir:     dir,
		synth:   synth,
		clk:     clk,
		log:     log,
		entries: make(map[string]manifestEntry),
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading audio cache manifest: %w", err)
	default:
		if err := json.Unmarshal(data, &c.entries); err != nil {
			log.Warn("audio cache manifest corrupt, starting empty", "err", err)
			c.entries = make(map[string]manifestEntry)
		}
	}
	return c, nil
}

// cacheKey derives the stable key for a (voice, text) pair.
func cacheKey(voice session.VoiceConfig, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%.2f|%s", voice.TTSProvider, voice.VoiceID, voice.Speed, text)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// AudioForSegment implements [Cache].
func (c *FileCache) AudioForSegment(ctx context.Context, sess *session.UserSession, text string) ([]byte, bool, float64, error) {
	voice := sess.Voice()
	key := cacheKey(voice, text)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if ok {
		pcm, err := os.ReadFile(filepath.Join(c.dir, entry.File))
		if err == nil {
			return pcm, true, entry.DurationSeconds, nil
		}
		// File vanished under us; drop the entry and synthesise fresh.
		c.log.Warn("cached audio file missing, resynthesising",
			"key", key, "err", err)
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
	}

	clip, err := c.synthesizeAndStore(ctx, key, text, voice)
	if err != nil {
		return nil, false, 0, err
	}
	return clip.PCM, false, clip.DurationSeconds, nil
}

// PrefetchSegment implements [Cache].
func (c *FileCache) PrefetchSegment(ctx context.Context, sess *session.UserSession, text string) error {
	voice := sess.Voice()
	key := cacheKey(voice, text)

	c.mu.Lock()
	_, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return nil
	}

	_, err := c.synthesizeAndStore(ctx, key, text, voice)
	return err
}

func (c *FileCache) synthesizeAndStore(ctx context.Context, key, text string, voice session.VoiceConfig) (Clip, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.synthesizeAndStoreOnce(ctx, key, text, voice)
	})
	if err != nil {
		return Clip{}, err
	}
	return v.(Clip), nil
}

func (c *FileCache) synthesizeAndStoreOnce(ctx context.Context, key, text string, voice session.VoiceConfig) (Clip, error) {
	clip, err := c.synth.Synthesize(ctx, text, voice)
	if err != nil {
		return Clip{}, fmt.Errorf("synthesising segment: %w", err)
	}
	if len(clip.PCM) == 0 {
		return Clip{}, fmt.Errorf("synthesiser returned empty audio")
	}
	if clip.DurationSeconds <= 0 && clip.SampleRate > 0 {
		clip.DurationSeconds = float64(len(clip.PCM)) / float64(clip.SampleRate*bytesPerSample)
	}

	file := key + ".pcm"
	if err := renameio.WriteFile(filepath.Join(c.dir, file), clip.PCM, 0o644); err != nil {
		return Clip{}, fmt.Errorf("writing cached audio: %w", err)
	}

	c.mu.Lock()
	c.entries[key] = manifestEntry{
		File:            file,
		SizeBytes:       len(clip.PCM),
		DurationSeconds: clip.DurationSeconds,
		SampleRate:      clip.SampleRate,
		CreatedAt:       c.clk.Now().UTC(),
	}
	err = c.writeManifestLocked()
	c.mu.Unlock()
	if err != nil {
		// The clip file is on disk; losing the manifest entry only costs a
		// resynthesis later.
		c.log.Warn("writing audio cache manifest failed", "err", err)
	}
	return clip, nil
}

// writeManifestLocked persists the entry index. Must be called with c.mu
// held.
func (c *FileCache) writeManifestLocked() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(c.dir, manifestName), data, 0o644)
}

// Coverage reports how many of the given segments are cached for voice.
func (c *FileCache) Coverage(segments []string, voice session.VoiceConfig) Coverage {
	c.mu.Lock()
	defer c.mu.Unlock()

	cov := Coverage{Total: len(segments)}
	for _, text := range segments {
		if _, ok := c.entries[cacheKey(voice, text)]; ok {
			cov.Cached++
		}
	}
	if cov.Total > 0 {
		cov.Ratio = float64(cov.Cached) / float64(cov.Total)
	}
	return cov
}

// StaticSynthesizer is a [Synthesizer] returning a fixed PCM payload for
// every request. Tests and the mock-only deployment mode use it.
type StaticSynthesizer struct {
	// PCM is the payload to return. Defaults to one second of silence at
	// SampleRate when empty.
	PCM []byte

	// SampleRate defaults to 24000.
	SampleRate int
}

var _ Synthesizer = (*StaticSynthesizer)(nil)

// Synthesize implements [Synthesizer].
func (s *StaticSynthesizer) Synthesize(ctx context.Context, text string, voice session.VoiceConfig) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	pcm := s.PCM
	if len(pcm) == 0 {
		pcm = make([]byte, rate*bytesPerSample)
	}
	return Clip{PCM: pcm, SampleRate: rate}, nil
}
