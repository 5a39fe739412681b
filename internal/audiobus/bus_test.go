package audiobus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auralis-ai/auralis/internal/session"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failSend bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("peer gone")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames sent")
	}
	var out map[string]any
	if err := json.Unmarshal(c.frames[len(c.frames)-1], &out); err != nil {
		t.Fatalf("frame not valid JSON: %v", err)
	}
	return out
}

type fakeCache struct {
	mu         sync.Mutex
	served     map[string]bool // text -> previously served or prefetched
	prefetched []string
	prefetchCh chan string
	fail       error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		served:     make(map[string]bool),
		prefetchCh: make(chan string, 16),
	}
}

func (f *fakeCache) AudioForSegment(ctx context.Context, sess *session.UserSession, text string) ([]byte, bool, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, false, 0, f.fail
	}
	hit := f.served[text]
	f.served[text] = true
	return []byte("pcm:" + text), hit, 1.5, nil
}

func (f *fakeCache) PrefetchSegment(ctx context.Context, sess *session.UserSession, text string) error {
	f.mu.Lock()
	f.served[text] = true
	f.prefetched = append(f.prefetched, text)
	f.mu.Unlock()
	f.prefetchCh <- text
	return nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRecorder) RecordActivity(activityType, source string) {
	r.mu.Lock()
	r.calls = append(r.calls, activityType+":"+source)
	r.mu.Unlock()
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type busFixture struct {
	bus   *Bus
	store *session.MemStore
	sess  *session.UserSession
	conn  *fakeConn
	cache *fakeCache
	rec   *fakeRecorder
}

func newFixture(t *testing.T, opts ...Option) *busFixture {
	t.Helper()
	store := session.NewMemStore(nil)
	sess, err := store.Create("user-1")
	if err != nil {
		t.Fatal(err)
	}
	cache := newFakeCache()
	rec := &fakeRecorder{}
	bus := New(store, cache, append([]Option{WithActivityRecorder(rec)}, opts...)...)
	if err := bus.SetTopicSegments("curr-1", "topic-1", []string{"one", "two", "three"}); err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{}
	bus.Open(sess.SessionID, conn)
	return &busFixture{bus: bus, store: store, sess: sess, conn: conn, cache: cache, rec: rec}
}

func (f *busFixture) send(t *testing.T, frame string) map[string]any {
	t.Helper()
	f.bus.HandleMessage(context.Background(), f.sess.SessionID, []byte(frame))
	return f.conn.last(t)
}

func TestSetTopic_ThenRequestAudio(t *testing.T) {
	f := newFixture(t)

	got := f.send(t, `{"type":"set_topic","curriculum_id":"curr-1","topic_id":"topic-1"}`)
	if got["type"] != "topic_set" || got["total_segments"] != float64(3) {
		t.Fatalf("set_topic reply = %v", got)
	}

	got = f.send(t, `{"type":"request_audio","segment_index":1}`)
	if got["type"] != "audio" {
		t.Fatalf("reply = %v, want audio", got)
	}
	if got["segment_index"] != float64(1) || got["total_segments"] != float64(3) {
		t.Errorf("audio frame fields wrong: %v", got)
	}
	if got["cache_hit"] != false {
		t.Errorf("first serve must be a miss: %v", got)
	}
	audio, err := base64.StdEncoding.DecodeString(got["audio_base64"].(string))
	if err != nil || len(audio) == 0 {
		t.Fatalf("audio_base64 must decode to non-empty bytes: %v", err)
	}

	pb := f.sess.Playback()
	if pb.SegmentIndex != 1 || pb.OffsetMS != 0 || !pb.IsPlaying {
		t.Errorf("playback = %+v, want (1, 0, playing)", pb)
	}
}

func TestRequestAudio_Preconditions(t *testing.T) {
	f := newFixture(t)

	// No topic bound yet.
	got := f.send(t, `{"type":"request_audio","segment_index":0}`)
	if got["type"] != "error" {
		t.Fatalf("reply = %v, want error without topic", got)
	}

	f.send(t, `{"type":"set_topic","curriculum_id":"curr-1","topic_id":"topic-1"}`)

	// Last valid index succeeds, total_segments fails.
	got = f.send(t, `{"type":"request_audio","segment_index":2}`)
	if got["type"] != "audio" {
		t.Fatalf("last index must succeed: %v", got)
	}
	got = f.send(t, `{"type":"request_audio","segment_index":3}`)
	if got["type"] != "error" {
		t.Fatalf("index == total must fail: %v", got)
	}
	if errText, _ := got["error"].(string); !contains(errText, "precondition_violated") {
		t.Errorf("error = %q, want precondition_violated kind", errText)
	}

	// Missing segment_index.
	got = f.send(t, `{"type":"request_audio"}`)
	if got["type"] != "error" {
		t.Fatalf("missing segment_index must fail: %v", got)
	}
}

func TestSetTopic_RequiresBothIDs(t *testing.T) {
	f := newFixture(t)

	got := f.send(t, `{"type":"set_topic","curriculum_id":"curr-1"}`)
	if got["type"] != "error" {
		t.Fatalf("reply = %v, want error", got)
	}

	got = f.send(t, `{"type":"set_topic","curriculum_id":"curr-1","topic_id":"ghost"}`)
	if errText, _ := got["error"].(string); !contains(errText, "no_segments_found") {
		t.Errorf("unknown topic error = %q, want no_segments_found", errText)
	}
}

func TestBargeInDuringPlayback(t *testing.T) {
	f := newFixture(t)
	f.send(t, `{"type":"set_topic","curriculum_id":"curr-1","topic_id":"topic-1"}`)

	if got := f.send(t, `{"type":"request_audio","segment_index":1}`); got["type"] != "audio" {
		t.Fatalf("request_audio failed: %v", got)
	}

	got := f.send(t, `{"type":"barge_in","segment_index":1,"offset_ms":1000}`)
	if got["type"] != "barge_in_ack" || got["offset_ms"] != float64(1000) {
		t.Fatalf("barge_in reply = %v", got)
	}
	pb := f.sess.Playback()
	if pb.IsPlaying || pb.OffsetMS != 1000 {
		t.Fatalf("playback after barge-in = %+v, want paused at 1000ms", pb)
	}

	got = f.send(t, `{"type":"sync","segment_index":1,"offset_ms":1200,"is_playing":true}`)
	if got["type"] != "sync_ack" {
		t.Fatalf("sync reply = %v", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, got["server_time"].(string)); err != nil {
		t.Errorf("server_time not RFC3339: %v", err)
	}
	pb = f.sess.Playback()
	if !pb.IsPlaying || pb.OffsetMS != 1200 {
		t.Fatalf("playback after sync = %+v", pb)
	}

	if got := f.send(t, `{"type":"request_audio","segment_index":2}`); got["type"] != "audio" {
		t.Fatalf("request_audio(2) after barge-in failed: %v", got)
	}
}

func TestVoiceConfig_MergesAndAcks(t *testing.T) {
	f := newFixture(t)

	got := f.send(t, `{"type":"voice_config","voice_id":"onyx","speed":9.0}`)
	if got["type"] != "voice_config_ack" {
		t.Fatalf("reply = %v", got)
	}
	vc := got["voice_config"].(map[string]any)
	if vc["voice_id"] != "onyx" {
		t.Errorf("voice_id = %v", vc["voice_id"])
	}
	if vc["speed"] != float64(session.MaxSpeed) {
		t.Errorf("speed = %v, must be clamped to %v", vc["speed"], session.MaxSpeed)
	}
	if vc["tts_provider"] != "vibevoice" {
		t.Errorf("unset fields must keep defaults: %v", vc)
	}
}

func TestPrefetch_FollowsRequest(t *testing.T) {
	f := newFixture(t)
	f.send(t, `{"type":"set_topic","curriculum_id":"curr-1","topic_id":"topic-1"}`)
	f.send(t, `{"type":"request_audio","segment_index":0}`)

	want := map[string]bool{"two": true, "three": true}
	for i := 0; i < 2; i++ {
		select {
		case text := <-f.cache.prefetchCh:
			if !want[text] {
				t.Fatalf("unexpected prefetch %q", text)
			}
			delete(want, text)
		case <-time.After(time.Second):
			t.Fatalf("prefetch did not run, still waiting for %v", want)
		}
	}
}

func TestPrefetch_StopsAtLastSegment(t *testing.T) {
	f := newFixture(t)
	f.send(t, `{"type":"set_topic","curriculum_id":"curr-1","topic_id":"topic-1"}`)
	f.send(t, `{"type":"request_audio","segment_index":2}`)

	select {
	case text := <-f.cache.prefetchCh:
		t.Fatalf("prefetch past the last segment: %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestActivityRecordedOnEveryInbound(t *testing.T) {
	f := newFixture(t)

	f.send(t, `{"type":"set_topic","curriculum_id":"curr-1","topic_id":"topic-1"}`)
	f.send(t, `{"type":"request_audio","segment_index":99}`) // fails
	f.send(t, `not json`)                                    // malformed

	if got := f.rec.count(); got != 3 {
		t.Fatalf("activity recorded %d times, want 3 (including failures)", got)
	}
}

func TestOpen_LastWriterWins(t *testing.T) {
	f := newFixture(t)

	second := &fakeConn{}
	f.bus.Open(f.sess.SessionID, second)

	f.conn.mu.Lock()
	closed := f.conn.closed
	f.conn.mu.Unlock()
	if !closed {
		t.Fatal("prior connection must be closed on replacement")
	}

	if ok := f.bus.BroadcastToSession(f.sess.SessionID, errorMsg{Type: "error", Error: "x"}); !ok {
		t.Fatal("broadcast to replaced session failed")
	}
	second.last(t)
}

func TestBroadcast_PrunesDeadConnections(t *testing.T) {
	f := newFixture(t)
	f.conn.failSend = true

	if ok := f.bus.BroadcastToSession(f.sess.SessionID, errorMsg{Type: "error", Error: "x"}); ok {
		t.Fatal("broadcast over a dead connection must report false")
	}
	if got := len(f.bus.Connected()); got != 0 {
		t.Fatalf("dead connection not pruned, %d still registered", got)
	}
	// Idempotent close.
	f.bus.Close(f.sess.SessionID)
}

func TestSetTopicSegments_ImmutableOncePublished(t *testing.T) {
	f := newFixture(t)

	if err := f.bus.SetTopicSegments("curr-1", "topic-1", []string{"one", "two", "three"}); err != nil {
		t.Fatalf("republishing identical content must be a no-op: %v", err)
	}
	if err := f.bus.SetTopicSegments("curr-1", "topic-1", []string{"different"}); err == nil {
		t.Fatal("conflicting republish must fail")
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
