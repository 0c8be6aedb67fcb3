package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TTSConfig configures a speech synthesis session
type TTSConfig struct {
	URL         string
	APIKey      string
	Voice       string
	Format      string
	SampleRate  int
	InitTimeout time.Duration
}

// TTSHandler receives synthesis events
type TTSHandler struct {
	OnAudio func(pcm []byte)
	OnDone  func()
	OnError func(err error)
}

// TTSSession streams text units to a synthesis provider
type TTSSession struct {
	stream  *Stream
	cfg     TTSConfig
	handler TTSHandler
	logger  *zap.Logger
}

// NewTTSSession creates a closed synthesis session
func NewTTSSession(cfg TTSConfig, dialer Dialer, handler TTSHandler, onFallback func(string), logger *zap.Logger) *TTSSession {
	if cfg.Format == "" {
		cfg.Format = "pcm"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &TTSSession{cfg: cfg, handler: handler, logger: logger}
	t.stream = NewStream(StreamConfig{
		Name:           "tts",
		URL:            cfg.URL,
		Header:         bearerHeader(cfg.APIKey),
		InitTimeout:    cfg.InitTimeout,
		Init:           t.initMessage,
		AckTypes:       []string{"session.created", "session.updated"},
		Handle:         t.handle,
		OnClose:        t.onClose,
		OnInitFallback: onFallback,
	}, dialer, logger)
	return t
}

func (t *TTSSession) initMessage() any {
	session := map[string]any{
		"mode":            "commit",
		"response_format": t.cfg.Format,
		"sample_rate":     t.cfg.SampleRate,
	}
	if t.cfg.Voice != "" {
		session["voice"] = t.cfg.Voice
	}
	return event("session.update", map[string]any{"session": session})
}

func (t *TTSSession) handle(msgType string, raw json.RawMessage) bool {
	switch msgType {
	case "session.created", "session.updated", "input_text_buffer.committed",
		"response.created", "response.done":
		return true
	case "response.audio.delta":
		var ev struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			return false
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			t.logger.Warn("dropping undecodable audio delta", zap.Error(err))
			return true
		}
		if t.handler.OnAudio != nil {
			t.handler.OnAudio(pcm)
		}
		return true
	case "response.audio.done":
		if t.handler.OnDone != nil {
			t.handler.OnDone()
		}
		return true
	case "error":
		if t.handler.OnError != nil {
			t.handler.OnError(decodeProviderError("tts", raw))
		}
		return true
	}
	return false
}

func (t *TTSSession) onClose(err error) {
	if t.handler.OnError != nil {
		t.handler.OnError(fmt.Errorf("tts connection lost: %w", err))
	}
}

// Start connects and initializes the session
func (t *TTSSession) Start(ctx context.Context) error {
	return t.stream.Ensure(ctx)
}

// Ready reports whether text can be sent without connecting first
func (t *TTSSession) Ready() bool {
	return t.stream.State() == StateReady
}

// SendText submits one unit of text for synthesis
func (t *TTSSession) SendText(ctx context.Context, text string) error {
	if err := t.stream.Ensure(ctx); err != nil {
		return err
	}
	if err := t.stream.Send(ctx, event("input_text_buffer.append", map[string]any{"text": text})); err != nil {
		return err
	}
	return t.stream.Send(ctx, event("input_text_buffer.commit", nil))
}

// Close tears down the session
func (t *TTSSession) Close() error {
	return t.stream.Close()
}

// State returns the underlying stream state
func (t *TTSSession) State() State {
	return t.stream.State()
}

// Stream exposes the underlying stream
func (t *TTSSession) Stream() *Stream {
	return t.stream
}
