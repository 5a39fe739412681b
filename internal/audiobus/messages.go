package audiobus

import (
	"github.com/auralis-ai/auralis/internal/session"
)

// Inbound message types.
const (
	typeRequestAudio = "request_audio"
	typeSync         = "sync"
	typeBargeIn      = "barge_in"
	typeVoiceConfig  = "voice_config"
	typeSetTopic     = "set_topic"
)

// Outbound message types.
const (
	typeAudio          = "audio"
	typeSyncAck        = "sync_ack"
	typeBargeInAck     = "barge_in_ack"
	typeVoiceConfigAck = "voice_config_ack"
	typeTopicSet       = "topic_set"
	typeError          = "error"
)

// inboundMsg is the superset envelope for all client frames. Pointer
// fields distinguish absent from zero.
type inboundMsg struct {
	Type         string `json:"type"`
	SegmentIndex *int   `json:"segment_index"`
	OffsetMS     *int   `json:"offset_ms"`
	IsPlaying    *bool  `json:"is_playing"`
	CurriculumID string `json:"curriculum_id"`
	TopicID      string `json:"topic_id"`

	session.VoiceConfigPatch
}

type audioMsg struct {
	Type            string  `json:"type"`
	SegmentIndex    int     `json:"segment_index"`
	AudioBase64     string  `json:"audio_base64"`
	DurationSeconds float64 `json:"duration_seconds"`
	TotalSegments   int     `json:"total_segments"`
	CacheHit        bool    `json:"cache_hit"`
}

type syncAckMsg struct {
	Type         string `json:"type"`
	SegmentIndex int    `json:"segment_index"`
	ServerTime   string `json:"server_time"`
}

type bargeInAckMsg struct {
	Type         string `json:"type"`
	SegmentIndex int    `json:"segment_index"`
	OffsetMS     int    `json:"offset_ms"`
}

type voiceConfigAckMsg struct {
	Type        string              `json:"type"`
	VoiceConfig session.VoiceConfig `json:"voice_config"`
}

type topicSetMsg struct {
	Type          string `json:"type"`
	TotalSegments int    `json:"total_segments"`
}

type errorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
