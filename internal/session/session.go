// Package session provides the per-user session model shared by the audio
// bus and the HTTP layer: playback position, voice configuration, and a
// pluggable [Store] with an in-memory implementation.
package session

import (
	"errors"
	"sync"
	"time"
)

// Speed bounds for [VoiceConfig.Speed].
const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// ErrNotFound is returned by [Store] lookups for unknown sessions.
var ErrNotFound = errors.New("session not found")

// PlaybackState tracks where a session is within the current topic.
// It is mutated exclusively through [UserSession] accessors.
type PlaybackState struct {
	CurriculumID string `json:"curriculum_id,omitempty"`
	TopicID      string `json:"topic_id,omitempty"`
	SegmentIndex int    `json:"segment_index"`
	OffsetMS     int    `json:"offset_ms"`
	IsPlaying    bool   `json:"is_playing"`
}

// VoiceConfig holds the TTS voice parameters for a session. Optional
// provider-specific knobs are pointers so that a merge can distinguish
// "unset" from a zero value.
type VoiceConfig struct {
	VoiceID     string   `json:"voice_id"`
	TTSProvider string   `json:"tts_provider"`
	Speed       float64  `json:"speed"`
	Language    string   `json:"language,omitempty"`
	Exaggeration *float64 `json:"exaggeration,omitempty"`
	CFGWeight   *float64 `json:"cfg_weight,omitempty"`
}

// VoiceConfigPatch carries the non-nil fields of a voice_config message.
// Nil fields are left untouched by [UserSession.UpdateVoiceConfig].
type VoiceConfigPatch struct {
	VoiceID     *string  `json:"voice_id"`
	TTSProvider *string  `json:"tts_provider"`
	Speed       *float64 `json:"speed"`
	Language    *string  `json:"language"`
	Exaggeration *float64 `json:"exaggeration"`
	CFGWeight   *float64 `json:"cfg_weight"`
}

// UserSession is one user's live session. All accessors are safe for
// concurrent use; the audio bus additionally serialises message handling
// per session, so accessor-level locking only protects cross-cutting
// readers (status endpoints, the idle manager).
type UserSession struct {
	SessionID string
	UserID    string
	CreatedAt time.Time

	mu       sync.RWMutex
	lastSeen time.Time
	playback PlaybackState
	voice    VoiceConfig
}

// NewUserSession creates a session with default voice settings.
func NewUserSession(sessionID, userID string, now time.Time) *UserSession {
	return &UserSession{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		lastSeen:  now,
		voice: VoiceConfig{
			VoiceID:     "nova",
			TTSProvider: "vibevoice",
			Speed:       1.0,
		},
	}
}

// Playback returns a snapshot of the playback state.
func (s *UserSession) Playback() PlaybackState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playback
}

// Voice returns a snapshot of the voice configuration.
func (s *UserSession) Voice() VoiceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voice
}

// LastSeen returns the time of the most recent Touch.
func (s *UserSession) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Touch records activity on the session.
func (s *UserSession) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// UpdatePlayback replaces segment index, offset, and playing flag.
// Negative values are clamped to zero.
func (s *UserSession) UpdatePlayback(segmentIndex, offsetMS int, isPlaying bool) {
	if segmentIndex < 0 {
		segmentIndex = 0
	}
	if offsetMS < 0 {
		offsetMS = 0
	}
	s.mu.Lock()
	s.playback.SegmentIndex = segmentIndex
	s.playback.OffsetMS = offsetMS
	s.playback.IsPlaying = isPlaying
	s.mu.Unlock()
}

// SetTopic binds the session to a (curriculum, topic) pair. Segment index
// and the playing flag are preserved so that a topic switch mid-playback
// does not jump the client around.
func (s *UserSession) SetTopic(curriculumID, topicID string) {
	s.mu.Lock()
	s.playback.CurriculumID = curriculumID
	s.playback.TopicID = topicID
	s.mu.Unlock()
}

// UpdateVoiceConfig merges the non-nil fields of patch into the voice
// configuration. Speed is clamped to [MinSpeed, MaxSpeed].
func (s *UserSession) UpdateVoiceConfig(patch VoiceConfigPatch) VoiceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.VoiceID != nil {
		s.voice.VoiceID = *patch.VoiceID
	}
	if patch.TTSProvider != nil {
		s.voice.TTSProvider = *patch.TTSProvider
	}
	if patch.Speed != nil {
		speed := *patch.Speed
		if speed < MinSpeed {
			speed = MinSpeed
		}
		if speed > MaxSpeed {
			speed = MaxSpeed
		}
		s.voice.Speed = speed
	}
	if patch.Language != nil {
		s.voice.Language = *patch.Language
	}
	if patch.Exaggeration != nil {
		s.voice.Exaggeration = patch.Exaggeration
	}
	if patch.CFGWeight != nil {
		s.voice.CFGWeight = patch.CFGWeight
	}
	return s.voice
}

// Store is the session lookup and lifecycle interface consumed by the
// audio bus. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the session with the given id, or [ErrNotFound].
	Get(sessionID string) (*UserSession, error)

	// GetByUser returns any session belonging to userID, or [ErrNotFound].
	GetByUser(userID string) (*UserSession, error)

	// Create makes a new session for userID with a generated session id.
	Create(userID string) (*UserSession, error)

	// List returns a snapshot of all sessions.
	List() []*UserSession

	// Remove drops the session with the given id. Removing an unknown id
	// is a no-op.
	Remove(sessionID string)
}
