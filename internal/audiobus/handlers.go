package audiobus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/auralis-ai/auralis/internal/resilience"
	"github.com/auralis-ai/auralis/internal/session"
)

// Error kinds surfaced to clients in error frames.
const (
	kindPreconditionViolated = "precondition_violated"
	kindNoSegmentsFound      = "no_segments_found"
	kindInvalidArgument      = "invalid_argument"
	kindInternal             = "internal"
)

// busError pairs a stable error kind with a human-readable description.
type busError struct {
	kind string
	msg  string
}

func (e *busError) Error() string { return e.kind + ": " + e.msg }

func errf(kind, format string, args ...any) error {
	return &busError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// HandleMessage processes one inbound frame for a session and sends the
// response (ack or error) over the session's channel. Handlers for one
// session run serialised; the channel stays open after errors.
func (b *Bus) HandleMessage(ctx context.Context, sessionID string, data []byte) {
	if b.idle != nil {
		b.idle.RecordActivity("audio_ws", sessionID)
	}

	var msg inboundMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		b.sendError(sessionID, errf(kindInvalidArgument, "malformed frame: %v", err))
		return
	}

	sess, err := b.store.Get(sessionID)
	if err != nil {
		b.sendError(sessionID, errf(kindInternal, "unknown session %s", sessionID))
		return
	}

	st := b.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var reply any
	switch msg.Type {
	case typeRequestAudio:
		reply, err = b.handleRequestAudio(ctx, sess, st, msg)
	case typeSync:
		reply, err = b.handleSync(sess, msg)
	case typeBargeIn:
		reply, err = b.handleBargeIn(sess, msg)
	case typeVoiceConfig:
		reply, err = b.handleVoiceConfig(sess, msg)
	case typeSetTopic:
		reply, err = b.handleSetTopic(sess, msg)
	default:
		err = errf(kindInvalidArgument, "unknown message type %q", msg.Type)
	}

	if err != nil {
		b.log.Warn("message handling failed",
			"session_id", sessionID, "type", msg.Type, "err", err)
		b.sendError(sessionID, err)
		return
	}
	b.BroadcastToSession(sessionID, reply)
}

func (b *Bus) sendError(sessionID string, err error) {
	var be *busError
	text := err.Error()
	if !errors.As(err, &be) {
		text = kindInternal + ": " + text
	}
	b.BroadcastToSession(sessionID, errorMsg{Type: typeError, Error: text})
}

// segmentsFor resolves the session's bound topic to its segment list.
func (b *Bus) segmentsFor(sess *session.UserSession) ([]string, error) {
	pb := sess.Playback()
	if pb.CurriculumID == "" || pb.TopicID == "" {
		return nil, errf(kindPreconditionViolated, "no topic bound, send set_topic first")
	}
	segs, ok := b.TopicSegments(pb.CurriculumID, pb.TopicID)
	if !ok || len(segs) == 0 {
		return nil, errf(kindNoSegmentsFound, "no segments for topic %s/%s",
			pb.CurriculumID, pb.TopicID)
	}
	return segs, nil
}

func (b *Bus) handleRequestAudio(ctx context.Context, sess *session.UserSession, st *sessionState, msg inboundMsg) (any, error) {
	if msg.SegmentIndex == nil {
		return nil, errf(kindPreconditionViolated, "request_audio requires segment_index")
	}
	segs, err := b.segmentsFor(sess)
	if err != nil {
		return nil, err
	}
	idx := *msg.SegmentIndex
	if idx < 0 || idx >= len(segs) {
		return nil, errf(kindPreconditionViolated,
			"segment_index %d out of range [0, %d)", idx, len(segs))
	}

	var (
		audio    []byte
		hit      bool
		duration float64
	)
	err = st.breaker.Execute(func() error {
		var ferr error
		audio, hit, duration, ferr = b.cache.AudioForSegment(ctx, sess, segs[idx])
		return ferr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, errf(kindInternal, "audio synthesis temporarily unavailable for segment %d", idx)
	}
	if err != nil {
		return nil, errf(kindInternal, "fetching audio for segment %d: %v", idx, err)
	}
	b.metrics.RecordCacheLookup(hit)

	sess.UpdatePlayback(idx, 0, true)
	b.startPrefetch(sess, st, segs, idx)

	return audioMsg{
		Type:            typeAudio,
		SegmentIndex:    idx,
		AudioBase64:     base64.StdEncoding.EncodeToString(audio),
		DurationSeconds: duration,
		TotalSegments:   len(segs),
		CacheHit:        hit,
	}, nil
}

// startPrefetch cancels any running prefetch for the session and launches
// a new one covering the next prefetchK segments. Failures are logged,
// never surfaced to the client.
func (b *Bus) startPrefetch(sess *session.UserSession, st *sessionState, segs []string, idx int) {
	if st.prefetchCancel != nil {
		st.prefetchCancel()
		st.prefetchCancel = nil
	}

	last := idx + b.prefetchK
	if last > len(segs)-1 {
		last = len(segs) - 1
	}
	if last <= idx {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.prefetchCancel = cancel
	texts := segs[idx+1 : last+1]

	go func() {
		defer cancel()
		for i, text := range texts {
			if ctx.Err() != nil {
				return
			}
			if err := b.cache.PrefetchSegment(ctx, sess, text); err != nil {
				b.log.Debug("prefetch failed",
					"session_id", sess.SessionID,
					"segment_index", idx+1+i,
					"err", err)
			}
		}
	}()
}

func (b *Bus) handleSync(sess *session.UserSession, msg inboundMsg) (any, error) {
	if msg.SegmentIndex == nil || msg.OffsetMS == nil || msg.IsPlaying == nil {
		return nil, errf(kindPreconditionViolated,
			"sync requires segment_index, offset_ms, and is_playing")
	}
	sess.UpdatePlayback(*msg.SegmentIndex, *msg.OffsetMS, *msg.IsPlaying)

	return syncAckMsg{
		Type:         typeSyncAck,
		SegmentIndex: *msg.SegmentIndex,
		ServerTime:   b.clk.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (b *Bus) handleBargeIn(sess *session.UserSession, msg inboundMsg) (any, error) {
	if msg.SegmentIndex == nil || msg.OffsetMS == nil {
		return nil, errf(kindPreconditionViolated,
			"barge_in requires segment_index and offset_ms")
	}
	sess.UpdatePlayback(*msg.SegmentIndex, *msg.OffsetMS, false)

	return bargeInAckMsg{
		Type:         typeBargeInAck,
		SegmentIndex: *msg.SegmentIndex,
		OffsetMS:     *msg.OffsetMS,
	}, nil
}

func (b *Bus) handleVoiceConfig(sess *session.UserSession, msg inboundMsg) (any, error) {
	merged := sess.UpdateVoiceConfig(msg.VoiceConfigPatch)
	return voiceConfigAckMsg{Type: typeVoiceConfigAck, VoiceConfig: merged}, nil
}

func (b *Bus) handleSetTopic(sess *session.UserSession, msg inboundMsg) (any, error) {
	if msg.CurriculumID == "" || msg.TopicID == "" {
		return nil, errf(kindPreconditionViolated,
			"set_topic requires curriculum_id and topic_id")
	}
	segs, ok := b.TopicSegments(msg.CurriculumID, msg.TopicID)
	if !ok || len(segs) == 0 {
		return nil, errf(kindNoSegmentsFound, "no segments for topic %s/%s",
			msg.CurriculumID, msg.TopicID)
	}

	sess.SetTopic(msg.CurriculumID, msg.TopicID)
	return topicSetMsg{Type: typeTopicSet, TotalSegments: len(segs)}, nil
}
