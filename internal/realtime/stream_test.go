package realtime_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ejunz/internal/realtime"
	"ejunz/internal/realtime/realtimetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestEnsureConcurrentCallersShareOneAttempt(t *testing.T) {
	dialer := realtimetest.NewDialer(true)
	dialer.Gate = make(chan struct{})
	stream := realtime.NewStream(realtime.StreamConfig{
		Name:     "asr",
		Init:     func() any { return map[string]any{"type": "session.update"} },
		AckTypes: []string{"session.updated"},
	}, dialer, nil)
	defer stream.Close()

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = stream.Ensure(context.Background())
		}(i)
	}

	waitFor(t, func() bool { return dialer.Dials() == 1 })
	close(dialer.Gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), dialer.Dials())
	assert.Equal(t, realtime.StateReady, stream.State())
	assert.Equal(t, int64(0), stream.InitFallbacks())
}

func TestEnsureConcurrentCallersShareFailure(t *testing.T) {
	dialer := realtimetest.NewDialer(true)
	dialer.Gate = make(chan struct{})
	dialer.Err = errors.New("connection refused")
	stream := realtime.NewStream(realtime.StreamConfig{Name: "tts"}, dialer, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = stream.Ensure(context.Background())
		}(i)
	}
	waitFor(t, func() bool { return dialer.Dials() == 1 })
	close(dialer.Gate)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorContains(t, err, "connection refused")
	}
	assert.Equal(t, int64(1), dialer.Dials())
	assert.Equal(t, realtime.StateClosed, stream.State())
}

func TestEnsureFallsBackWhenInitNotAcknowledged(t *testing.T) {
	var fallbacks []string
	dialer := realtimetest.NewDialer(false)
	stream := realtime.NewStream(realtime.StreamConfig{
		Name:           "tts",
		InitTimeout:    20 * time.Millisecond,
		Init:           func() any { return map[string]any{"type": "session.update"} },
		AckTypes:       []string{"session.updated"},
		OnInitFallback: func(name string) { fallbacks = append(fallbacks, name) },
	}, dialer, nil)
	defer stream.Close()

	require.NoError(t, stream.Ensure(context.Background()))
	assert.Equal(t, realtime.StateReady, stream.State())
	assert.Equal(t, int64(1), stream.InitFallbacks())
	assert.Equal(t, []string{"tts"}, fallbacks)
}

func TestEnsureReadyReturnsImmediately(t *testing.T) {
	dialer := realtimetest.NewDialer(true)
	stream := realtime.NewStream(realtime.StreamConfig{
		Name:     "asr",
		Init:     func() any { return map[string]any{"type": "session.update"} },
		AckTypes: []string{"session.updated"},
	}, dialer, nil)
	defer stream.Close()

	require.NoError(t, stream.Ensure(context.Background()))
	require.NoError(t, stream.Ensure(context.Background()))
	assert.Equal(t, int64(1), dialer.Dials())
}

func TestCloseDuringInitRejectsAttempt(t *testing.T) {
	dialer := realtimetest.NewDialer(false)
	stream := realtime.NewStream(realtime.StreamConfig{
		Name:        "asr",
		InitTimeout: time.Minute,
		Init:        func() any { return map[string]any{"type": "session.update"} },
		AckTypes:    []string{"session.updated"},
	}, dialer, nil)

	done := make(chan error, 1)
	go func() { done <- stream.Ensure(context.Background()) }()

	waitFor(t, func() bool { return stream.State() == realtime.StateInitPending })
	require.NoError(t, stream.Close())

	err := <-done
	assert.True(t, errors.Is(err, realtime.ErrClosedBeforeInit))
	assert.Equal(t, realtime.StateClosed, stream.State())
	assert.True(t, dialer.Conns()[0].IsClosed())
}

func TestCloseIsIdempotent(t *testing.T) {
	stream := realtime.NewStream(realtime.StreamConfig{Name: "asr"}, realtimetest.NewDialer(true), nil)
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
	assert.Equal(t, realtime.StateClosed, stream.State())
}

func TestReadErrorClosesAndReconnects(t *testing.T) {
	lost := make(chan error, 1)
	dialer := realtimetest.NewDialer(true)
	stream := realtime.NewStream(realtime.StreamConfig{
		Name:     "tts",
		Init:     func() any { return map[string]any{"type": "session.update"} },
		AckTypes: []string{"session.updated"},
		OnClose:  func(err error) { lost <- err },
	}, dialer, nil)
	defer stream.Close()

	require.NoError(t, stream.Ensure(context.Background()))
	dialer.Conns()[0].Fail(errors.New("reset by peer"))

	select {
	case err := <-lost:
		assert.ErrorContains(t, err, "reset by peer")
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.Equal(t, realtime.StateClosed, stream.State())

	require.NoError(t, stream.Ensure(context.Background()))
	assert.Equal(t, int64(2), dialer.Dials())
}

func TestSendWithoutConnectionFails(t *testing.T) {
	stream := realtime.NewStream(realtime.StreamConfig{Name: "asr"}, realtimetest.NewDialer(true), nil)
	err := stream.Send(context.Background(), map[string]any{"type": "x"})
	assert.True(t, errors.Is(err, realtime.ErrNotReady))
}

func TestASRSessionDispatch(t *testing.T) {
	var (
		mu       sync.Mutex
		partials []string
		finals   []string
		speech   []bool
		errs     []error
	)
	dialer := realtimetest.NewDialer(true)
	asr := realtime.NewASRSession(realtime.ASRConfig{Language: "zh", ServerVAD: true}, dialer, realtime.ASRHandler{
		OnPartial: func(text, _ string) { mu.Lock(); partials = append(partials, text); mu.Unlock() },
		OnFinal:   func(text, _ string) { mu.Lock(); finals = append(finals, text); mu.Unlock() },
		OnSpeech:  func(started bool) { mu.Lock(); speech = append(speech, started); mu.Unlock() },
		OnError:   func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
	}, nil, nil)
	defer asr.Close()

	require.NoError(t, asr.SendAudio(context.Background(), []byte{1, 2, 3}))
	require.NoError(t, asr.Commit(context.Background()))

	conn := dialer.Conns()[0]
	assert.Equal(t, []string{"session.update", "input_audio_buffer.append", "input_audio_buffer.commit"}, conn.SentTypes())
	sent := conn.Sent()
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), sent[1]["audio"])
	session := sent[0]["session"].(map[string]any)
	assert.Equal(t, "pcm", session["input_audio_format"])
	assert.NotNil(t, session["turn_detection"])

	conn.Push(map[string]any{"type": "input_audio_buffer.speech_started"})
	conn.Push(map[string]any{"type": "conversation.item.input_audio_transcription.text", "text": "你好", "stash": "世"})
	conn.Push(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "你好世界"})
	conn.Push(map[string]any{"type": "some.unknown.event"})
	conn.Push(map[string]any{"type": "error", "error": map[string]any{"code": "bad_audio", "message": "unsupported"}})

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(errs) == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"你好世"}, partials)
	assert.Equal(t, []string{"你好世界"}, finals)
	assert.Equal(t, []bool{true}, speech)
	var perr *realtime.ProviderError
	require.True(t, errors.As(errs[0], &perr))
	assert.Equal(t, "bad_audio", perr.Code)
}

func TestTTSSessionDispatch(t *testing.T) {
	audio := make(chan []byte, 4)
	done := make(chan struct{}, 4)
	dialer := realtimetest.NewDialer(true)
	tts := realtime.NewTTSSession(realtime.TTSConfig{Voice: "Cherry"}, dialer, realtime.TTSHandler{
		OnAudio: func(pcm []byte) { audio <- pcm },
		OnDone:  func() { done <- struct{}{} },
	}, nil, nil)
	defer tts.Close()

	assert.False(t, tts.Ready())
	require.NoError(t, tts.SendText(context.Background(), "你好。"))
	assert.True(t, tts.Ready())

	conn := dialer.Conns()[0]
	assert.Equal(t, []string{"session.update", "input_text_buffer.append", "input_text_buffer.commit"}, conn.SentTypes())
	assert.Equal(t, "你好。", conn.Sent()[1]["text"])

	conn.Push(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte("pcm"))})
	conn.Push(map[string]any{"type": "response.audio.done"})

	select {
	case pcm := <-audio:
		assert.Equal(t, []byte("pcm"), pcm)
	case <-time.After(2 * time.Second):
		t.Fatal("no audio")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no done")
	}
}
