package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProviderError is an error event reported by a speech provider
type ProviderError struct {
	Stream  string
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s provider error %s: %s", e.Stream, e.Code, e.Message)
	}
	return fmt.Sprintf("%s provider error: %s", e.Stream, e.Message)
}

// ASRConfig configures a speech recognition session
type ASRConfig struct {
	URL         string
	APIKey      string
	Format      string
	SampleRate  int
	Language    string
	ServerVAD   bool
	InitTimeout time.Duration
}

// ASRHandler receives recognition events
type ASRHandler struct {
	OnPartial func(text, itemID string)
	OnFinal   func(text, itemID string)
	OnSpeech  func(started bool)
	OnError   func(err error)
}

// ASRSession streams client audio to a recognition provider
type ASRSession struct {
	stream  *Stream
	cfg     ASRConfig
	handler ASRHandler
}

type asrEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Text       string `json:"text"`
	Stash      string `json:"stash"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewASRSession creates a closed recognition session
func NewASRSession(cfg ASRConfig, dialer Dialer, handler ASRHandler, onFallback func(string), logger *zap.Logger) *ASRSession {
	if cfg.Format == "" {
		cfg.Format = "pcm"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}

	a := &ASRSession{cfg: cfg, handler: handler}
	a.stream = NewStream(StreamConfig{
		Name:           "asr",
		URL:            cfg.URL,
		Header:         bearerHeader(cfg.APIKey),
		InitTimeout:    cfg.InitTimeout,
		Init:           a.initMessage,
		AckTypes:       []string{"session.created", "session.updated"},
		Handle:         a.handle,
		OnClose:        a.onClose,
		OnInitFallback: onFallback,
	}, dialer, logger)
	return a
}

func (a *ASRSession) initMessage() any {
	session := map[string]any{
		"modalities":         []string{"text"},
		"input_audio_format": a.cfg.Format,
		"sample_rate":        a.cfg.SampleRate,
	}
	if a.cfg.Language != "" {
		session["input_audio_transcription"] = map[string]any{"language": a.cfg.Language}
	}
	if a.cfg.ServerVAD {
		session["turn_detection"] = map[string]any{
			"type":                "server_vad",
			"threshold":           0.2,
			"silence_duration_ms": 800,
		}
	} else {
		session["turn_detection"] = nil
	}
	return event("session.update", map[string]any{"session": session})
}

func (a *ASRSession) handle(msgType string, raw json.RawMessage) bool {
	switch msgType {
	case "session.created", "session.updated", "input_audio_buffer.committed":
		return true
	case "conversation.item.input_audio_transcription.text":
		var ev asrEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return false
		}
		if a.handler.OnPartial != nil {
			a.handler.OnPartial(ev.Text+ev.Stash, ev.ItemID)
		}
		return true
	case "conversation.item.input_audio_transcription.completed":
		var ev asrEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return false
		}
		if a.handler.OnFinal != nil {
			a.handler.OnFinal(ev.Transcript, ev.ItemID)
		}
		return true
	case "input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped":
		if a.handler.OnSpeech != nil {
			a.handler.OnSpeech(msgType == "input_audio_buffer.speech_started")
		}
		return true
	case "error":
		a.reportError(raw)
		return true
	}
	return false
}

func (a *ASRSession) reportError(raw json.RawMessage) {
	if a.handler.OnError == nil {
		return
	}
	a.handler.OnError(decodeProviderError("asr", raw))
}

func (a *ASRSession) onClose(err error) {
	if a.handler.OnError != nil {
		a.handler.OnError(fmt.Errorf("asr connection lost: %w", err))
	}
}

// Start connects and initializes the session
func (a *ASRSession) Start(ctx context.Context) error {
	return a.stream.Ensure(ctx)
}

// SendAudio appends a chunk of PCM audio, connecting first if needed
func (a *ASRSession) SendAudio(ctx context.Context, pcm []byte) error {
	if err := a.stream.Ensure(ctx); err != nil {
		return err
	}
	return a.stream.Send(ctx, event("input_audio_buffer.append", map[string]any{
		"audio": base64.StdEncoding.EncodeToString(pcm),
	}))
}

// Commit ends the current utterance when server VAD is off
func (a *ASRSession) Commit(ctx context.Context) error {
	if err := a.stream.Ensure(ctx); err != nil {
		return err
	}
	return a.stream.Send(ctx, event("input_audio_buffer.commit", nil))
}

// Close tears down the session
func (a *ASRSession) Close() error {
	return a.stream.Close()
}

// State returns the underlying stream state
func (a *ASRSession) State() State {
	return a.stream.State()
}

// Stream exposes the underlying stream
func (a *ASRSession) Stream() *Stream {
	return a.stream
}

func event(msgType string, fields map[string]any) map[string]any {
	msg := map[string]any{
		"type":     msgType,
		"event_id": "event_" + uuid.NewString(),
	}
	for k, v := range fields {
		msg[k] = v
	}
	return msg
}

func bearerHeader(apiKey string) http.Header {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	return header
}

func decodeProviderError(stream string, raw json.RawMessage) *ProviderError {
	var ev asrEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Error == nil {
		return &ProviderError{Stream: stream, Message: string(raw)}
	}
	return &ProviderError{Stream: stream, Code: ev.Error.Code, Message: ev.Error.Message}
}
