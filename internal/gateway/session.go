package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ejunz/internal/agent"
	"ejunz/internal/correlation"
	"ejunz/internal/eventbus"
	"ejunz/internal/realtime"
	"ejunz/internal/speech"
	"ejunz/internal/store"
	"ejunz/internal/toolcall"
	"ejunz/pkg/protocol"
)

// ErrNoAgent is reported to clients that ask for a reply with no agent configured
var ErrNoAgent = errors.New("no agent configured")

// speechUnit is one sentence queued for synthesis
type speechUnit struct {
	seq      uint64
	recordID string
	text     string
}

// recordState tracks an agent record this session dispatched. Each
// spoken record splits its own text into sentences.
type recordState struct {
	speak     bool
	sawDelta  bool
	sentences *speech.SentenceBuffer
}

// Session is the state of one client connection. It multiplexes the
// client's frames onto recognition, synthesis, tool calls and agent chat,
// and fans results back out in order.
type Session struct {
	id     string
	domain string
	key    string
	gw     *Gateway
	out    outbox
	table  *correlation.Table
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	asr *realtime.ASRSession
	tts *realtime.TTSSession

	mu                sync.Mutex
	closed            bool
	agentID           string
	speakByDefault    bool
	ttsPendingText    []speechUnit
	inflight          []speechUnit
	pendingCommits    int
	seq               uint64
	subscribedRecords map[string]*recordState
	sentContent       map[string]struct{}
	pendingDone       []protocol.AgentDone
	eventSubs         map[string]struct{}
	tools             []protocol.Tool
	hostsTools        bool
	audio             map[string][]byte

	ttsWake  chan struct{}
	busSub   *eventbus.Subscription
	teardown sync.Once
}

func newSession(gw *Gateway, id, domain string, out outbox) *Session {
	ctx, cancel := context.WithCancel(gw.ctx)
	logger := gw.logger.With(zap.String("client_id", id), zap.String("domain", domain))

	s := &Session{
		id:                id,
		domain:            domain,
		key:               clientKey(domain, id),
		gw:                gw,
		out:               out,
		logger:            logger,
		ctx:               ctx,
		cancel:            cancel,
		agentID:           gw.cfg.Agent.DefaultAgentID,
		subscribedRecords: make(map[string]*recordState),
		sentContent:       make(map[string]struct{}),
		eventSubs:         make(map[string]struct{}),
		audio:             make(map[string][]byte),
		ttsWake:           make(chan struct{}, 1),
	}
	s.table = correlation.NewTable(logger, correlation.Hooks{
		OnUnmatched: func(string) { gw.metrics.UnmatchedResponse() },
		OnTimeout:   func(string) { gw.metrics.CorrelationTimeout() },
	})

	fallback := func(string) { gw.metrics.InitFallback() }
	if asr := gw.cfg.ASR; asr.Enabled {
		s.asr = realtime.NewASRSession(realtime.ASRConfig{
			URL:         asr.URL,
			APIKey:      asr.APIKey,
			Format:      asr.Format,
			SampleRate:  asr.SampleRate,
			Language:    asr.Language,
			ServerVAD:   asr.ServerVAD,
			InitTimeout: asr.InitTimeout(),
		}, gw.dialer, realtime.ASRHandler{
			OnPartial: s.onASRPartial,
			OnFinal:   s.onASRFinal,
			OnSpeech:  s.onASRSpeech,
			OnError:   s.onASRError,
		}, fallback, logger)
	}
	if tts := gw.cfg.TTS; tts.Enabled {
		s.tts = realtime.NewTTSSession(realtime.TTSConfig{
			URL:         tts.URL,
			APIKey:      tts.APIKey,
			Voice:       tts.Voice,
			Format:      tts.Format,
			SampleRate:  tts.SampleRate,
			InitTimeout: tts.InitTimeout(),
		}, gw.dialer, realtime.TTSHandler{
			OnAudio: s.onTTSAudio,
			OnDone:  s.onTTSDone,
			OnError: s.onTTSError,
		}, fallback, logger)
	}
	return s
}

func clientKey(domain, id string) string {
	return domain + "/" + id
}

// start loads client preferences and begins consuming bus events. It runs
// only after the session owns its identity in the registry.
func (s *Session) start() {
	if c, err := s.gw.store.GetClient(s.ctx, s.domain, s.id); err == nil {
		s.mu.Lock()
		if c.AgentID != "" {
			s.agentID = c.AgentID
		}
		s.speakByDefault = c.TTSEnabled
		s.mu.Unlock()
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to load client", zap.Error(err))
	}

	s.busSub = s.gw.bus.Subscribe(s.gw.busBuffer, s.wants)
	s.wg.Add(2)
	go s.pumpEvents(s.busSub)
	go s.runSpeech()

	s.setStatus(store.ClientOnline)
}

// ID returns the provider id used when the client hosts tools
func (s *Session) ID() string {
	return "client:" + s.key
}

// Tools lists the tools the client reported
func (s *Session) Tools() []protocol.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Tool(nil), s.tools...)
}

// Connected reports whether the session is still live
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Call runs a tool hosted by the client
func (s *Session) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return toolcall.CallRPC(ctx, s, s.table, name, args, s.gw.cfg.Gateway.RequestTimeout())
}

// SendRPC writes a raw JSON-RPC message to the client
func (s *Session) SendRPC(_ context.Context, msg *protocol.RPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal jsonrpc message: %w", err)
	}
	if !s.out.Send(data) {
		return errPeerGone
	}
	return nil
}

func (s *Session) emit(event string, payload any) {
	data, err := protocol.Outbound{Event: event, Payload: payload}.Marshal()
	if err != nil {
		s.logger.Error("dropping unencodable event", zap.String("event", event), zap.Error(err))
		return
	}
	s.out.Send(data)
}

func (s *Session) emitError(code, message, id string) {
	s.emit(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message, ID: id})
}

func (s *Session) reply(msg *protocol.RPCMessage) {
	if err := s.SendRPC(s.ctx, msg); err != nil {
		s.logger.Debug("failed to send jsonrpc reply", zap.Error(err))
	}
}

func (s *Session) replyResult(id json.RawMessage, result any) {
	msg, err := protocol.NewResult(id, result)
	if err != nil {
		s.reply(protocol.NewErrorResponse(id, protocol.CodeInternalError, err.Error()))
		return
	}
	s.reply(msg)
}

// Handle dispatches one client frame. Families are tried in priority order
// and malformed frames are dropped.
func (s *Session) Handle(ctx context.Context, data []byte) {
	msg, err := protocol.ParseInbound(data)
	if err != nil {
		s.logger.Debug("dropping malformed message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.ControlEnvelope:
		s.handleControl(m)
	case *protocol.RPCMessage:
		s.handleRPC(ctx, m)
	case *protocol.PubSubMessage:
		s.handlePubSub(m)
	case *protocol.TypedMessage:
		s.handleTyped(ctx, m)
	case *protocol.NamedMessage:
		s.gw.bus.Publish(eventbus.NamedEvent{Name: m.Name, Source: s.key, Payload: m.Payload})
	}
}

func (s *Session) handleControl(m *protocol.ControlEnvelope) {
	switch m.Protocol {
	case protocol.ControlHandshake:
		s.mu.Lock()
		agentID := s.agentID
		s.mu.Unlock()
		s.emit(protocol.EventHandshakeAck, protocol.HandshakeAck{
			ClientID: s.id,
			Domain:   s.domain,
			Version:  s.gw.version,
			Agent:    agentID,
		})
		if m.Capabilities != nil && m.Capabilities.Tools {
			s.goRefreshTools()
		}

	case protocol.ControlWidget:
		s.gw.bus.Publish(eventbus.WidgetUpdate{
			ClientID: s.id,
			Domain:   s.domain,
			Action:   m.Action,
			Widgets:  m.Widgets,
		})
		s.emit(protocol.EventWidgetAck, protocol.WidgetAck{Action: m.Action, ID: m.ID})

	default:
		s.logger.Debug("ignoring unknown control protocol", zap.String("protocol", m.Protocol))
	}
}

func (s *Session) handleRPC(ctx context.Context, m *protocol.RPCMessage) {
	if m.IsResponse() {
		toolcall.SettleResponse(s.table, m)
		return
	}
	if !m.HasID() {
		switch m.Method {
		case protocol.MethodToolsListChanged:
			s.goRefreshTools()
		case protocol.MethodInitialized:
		default:
			s.logger.Debug("ignoring notification", zap.String("method", m.Method))
		}
		return
	}

	switch m.Method {
	case protocol.MethodInitialize:
		s.replyResult(m.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.MCPProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": true}},
			ServerInfo:      protocol.Implementation{Name: "ejunz-gateway", Version: s.gw.version},
		})
	case protocol.MethodPing:
		s.replyResult(m.ID, struct{}{})
	case protocol.MethodToolsList:
		s.replyResult(m.ID, protocol.ToolsListResult{Tools: s.gw.bridge.Tools()})
	case protocol.MethodToolsCall:
		var params protocol.ToolsCallParams
		if err := json.Unmarshal(m.Params, &params); err != nil || params.Name == "" {
			s.reply(protocol.NewErrorResponse(m.ID, protocol.CodeInvalidParams, "tools/call requires a tool name"))
			return
		}
		s.spawn(func() {
			result, err := s.gw.bridge.CallTool(s.ctx, params.Name, params.Arguments)
			if err != nil {
				s.reply(protocol.NewErrorResponse(m.ID, protocol.CodeServerError, err.Error()))
				return
			}
			s.replyResult(m.ID, contentEnvelope(result))
		})
	default:
		s.reply(protocol.NewErrorResponse(m.ID, protocol.CodeMethodNotFound, "method not found: "+m.Method))
	}
}

// contentEnvelope wraps a tool result as MCP text content
func contentEnvelope(result any) map[string]any {
	text, ok := result.(string)
	if !ok {
		data, err := json.Marshal(result)
		if err != nil {
			text = fmt.Sprint(result)
		} else {
			text = string(data)
		}
	}
	return map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
}

func (s *Session) handlePubSub(m *protocol.PubSubMessage) {
	if m.Event == "" {
		s.logger.Debug("ignoring pubsub message without event", zap.String("key", m.Key))
		return
	}
	switch m.Key {
	case protocol.KeySubscribe:
		s.mu.Lock()
		s.eventSubs[m.Event] = struct{}{}
		s.mu.Unlock()
	case protocol.KeyUnsubscribe:
		s.mu.Lock()
		delete(s.eventSubs, m.Event)
		s.mu.Unlock()
	case protocol.KeyPublish:
		s.gw.bus.Publish(eventbus.NamedEvent{Name: m.Event, Source: s.key, Payload: m.Payload})
	}
}

func (s *Session) handleTyped(ctx context.Context, m *protocol.TypedMessage) {
	switch m.Type {
	case protocol.TypePing:
		s.emit(protocol.EventPong, map[string]string{"id": m.ID})

	case protocol.TypeStatus:
		if m.Status == "" {
			s.emitError("bad_request", "status requires a value", m.ID)
			return
		}
		s.setStatus(m.Status)

	case protocol.TypeVoiceChat:
		if strings.TrimSpace(m.Text) == "" {
			s.emitError("bad_request", "voice_chat requires text", m.ID)
			return
		}
		s.mu.Lock()
		agentID, speak := s.agentID, s.speakByDefault
		s.mu.Unlock()
		if m.AgentID != "" {
			agentID = m.AgentID
		}
		if m.Speak != nil {
			speak = *m.Speak
		}
		if _, err := s.startChat(ctx, m.Text, agentID, speak); err != nil {
			s.chatError(err, m.ID)
		}

	case protocol.TypeToolsCall:
		if m.Name == "" {
			s.emitError("bad_request", "tools/call requires a tool name", m.ID)
			return
		}
		s.spawn(func() {
			result, err := s.gw.bridge.CallTool(s.ctx, m.Name, m.Arguments)
			out := protocol.ToolResult{ID: m.ID, Name: m.Name, Result: result}
			if err != nil {
				out.Error = err.Error()
			}
			s.emit(protocol.EventTool, out)
		})

	case protocol.TypeASRStart:
		if s.asr == nil {
			s.emitError("asr_unavailable", "speech recognition is not configured", m.ID)
			return
		}
		if m.AgentID != "" {
			s.mu.Lock()
			s.agentID = m.AgentID
			s.mu.Unlock()
		}
		s.spawn(func() {
			if err := s.asr.Start(s.ctx); err != nil {
				s.onASRError(err)
			}
		})

	case protocol.TypeASRAudio:
		if s.asr == nil {
			s.emitError("asr_unavailable", "speech recognition is not configured", m.ID)
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(m.Audio)
		if err != nil || len(pcm) == 0 {
			s.emitError("bad_audio", "audio must be non-empty base64", m.ID)
			return
		}
		if err := s.asr.SendAudio(ctx, pcm); err != nil {
			s.onASRError(err)
		}

	case protocol.TypeASRCommit:
		if s.asr == nil {
			return
		}
		if err := s.asr.Commit(ctx); err != nil {
			s.onASRError(err)
		}

	case protocol.TypeASRStop:
		if s.asr != nil {
			_ = s.asr.Close()
		}

	case protocol.TypeTTSSpeak:
		if s.tts == nil {
			s.emitError("tts_unavailable", "speech synthesis is not configured", m.ID)
			return
		}
		buf := speech.NewSentenceBuffer(s.gw.cfg.Gateway.SentenceSoftLimit)
		units := buf.Append(m.Text)
		if rest := buf.Flush(); rest != "" {
			units = append(units, rest)
		}
		s.mu.Lock()
		s.queueSpeechLocked("", units...)
		s.mu.Unlock()

	case protocol.TypeTTSStop:
		s.stopSpeech()
	}
}

func (s *Session) chatError(err error, id string) {
	if errors.Is(err, ErrNoAgent) {
		s.emitError("no_agent", err.Error(), id)
		return
	}
	s.logger.Warn("failed to dispatch chat", zap.Error(err))
	s.emitError("chat_failed", "failed to start agent reply", id)
}

// startChat dispatches input to the agent and tracks the record before any
// of its events can arrive
func (s *Session) startChat(ctx context.Context, text, agentID string, speak bool) (string, error) {
	recordID, err := s.trackRecord(agentID, speak)
	if err != nil {
		return "", err
	}
	if err := s.dispatchChat(ctx, recordID, text, agentID); err != nil {
		return "", err
	}
	return recordID, nil
}

// trackRecord reserves a record id and subscribes to its events
func (s *Session) trackRecord(agentID string, speak bool) (string, error) {
	if agentID == "" {
		return "", ErrNoAgent
	}
	st := &recordState{speak: speak && s.tts != nil}
	if st.speak {
		st.sentences = speech.NewSentenceBuffer(s.gw.cfg.Gateway.SentenceSoftLimit)
	}

	recordID := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", correlation.ErrConnectionClosed
	}
	s.subscribedRecords[recordID] = st
	return recordID, nil
}

// dispatchChat hands a tracked record to the agent. A failed dispatch
// drops the subscription again.
func (s *Session) dispatchChat(ctx context.Context, recordID, text, agentID string) error {
	s.mu.Lock()
	st, ok := s.subscribedRecords[recordID]
	speak := ok && st.speak
	s.mu.Unlock()
	if !ok {
		return correlation.ErrConnectionClosed
	}

	_, err := s.gw.chats.Dispatch(ctx, agent.ChatRequest{
		RecordID: recordID,
		Domain:   s.domain,
		ClientID: s.id,
		AgentID:  agentID,
		Input:    text,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.subscribedRecords, recordID)
		s.mu.Unlock()
		return err
	}

	if speak {
		// connect while the model is still thinking
		s.spawn(func() {
			if err := s.tts.Start(s.ctx); err != nil {
				s.logger.Debug("tts warm-up failed", zap.Error(err))
			}
		})
	}
	return nil
}

// wants filters bus events before they reach this session's buffer
func (s *Session) wants(ev eventbus.Event) bool {
	switch e := ev.(type) {
	case eventbus.RecordEvent:
		return e.Domain == s.domain && e.ClientID == s.id
	case eventbus.StatusUpdate:
		return e.Domain == "" || e.Domain == s.domain
	case eventbus.WidgetUpdate:
		return e.Domain == s.domain && e.ClientID != s.id
	case eventbus.NamedEvent:
		return e.Source != s.key
	}
	return true
}

func (s *Session) pumpEvents(sub *eventbus.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			s.deliver(ev)
		}
	}
}

func (s *Session) deliver(ev eventbus.Event) {
	switch e := ev.(type) {
	case eventbus.RecordEvent:
		s.handleRecord(e)
	case eventbus.StatusUpdate:
		if e.Kind == "client" && e.ID == s.id {
			return
		}
		s.emit(protocol.EventStatus, protocol.StatusPayload{ID: e.ID, Kind: e.Kind, Status: e.Status})
	case eventbus.ToolsUpdate:
		s.emit(protocol.EventToolsUpdate, protocol.ToolsUpdatePayload{Tools: s.gw.bridge.Tools()})
	case eventbus.WidgetUpdate:
		if s.subscribed("widget") {
			payload, _ := json.Marshal(e)
			s.emit(protocol.EventBusMessage, protocol.BusMessage{Event: "widget", Payload: payload})
		}
	case eventbus.NamedEvent:
		if s.subscribed(e.Name) {
			s.emit(protocol.EventBusMessage, protocol.BusMessage{Event: e.Name, Payload: e.Payload})
		}
	}
}

func (s *Session) subscribed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.eventSubs[name]
	return ok
}

// handleRecord forwards agent progress. Frames are queued while holding mu
// so that text, audio and done keep their relative order.
func (s *Session) handleRecord(ev eventbus.RecordEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.subscribedRecords[ev.RecordID]
	if !ok || s.closed {
		return
	}

	switch ev.Kind {
	case eventbus.RecordDelta:
		st.sawDelta = true
		s.emit(protocol.EventAgentDelta, protocol.AgentDelta{RecordID: ev.RecordID, Delta: ev.Delta})
		if st.speak {
			s.queueSpeechLocked(ev.RecordID, st.sentences.Append(ev.Delta)...)
		}

	case eventbus.RecordContent:
		if _, sent := s.sentContent[ev.RecordID]; sent {
			return
		}
		s.sentContent[ev.RecordID] = struct{}{}
		s.emit(protocol.EventAgentContent, protocol.AgentContent{RecordID: ev.RecordID, Content: ev.Content})
		if st.speak && !st.sawDelta {
			s.queueSpeechLocked(ev.RecordID, st.sentences.Append(ev.Content)...)
		}

	case eventbus.RecordDone:
		delete(s.subscribedRecords, ev.RecordID)
		delete(s.sentContent, ev.RecordID)
		done := protocol.AgentDone{RecordID: ev.RecordID, Error: ev.Error}
		if st.speak {
			if rest := st.sentences.Flush(); rest != "" {
				s.queueSpeechLocked(ev.RecordID, rest)
			}
			if s.pendingCommits > 0 {
				s.pendingDone = append(s.pendingDone, done)
				return
			}
		}
		s.emit(protocol.EventAgentDone, done)
		s.persistAudioLocked(ev.RecordID)
	}
}

// queueSpeechLocked hands units to the synthesis sender in order. Each unit
// is owed one audio.done.
func (s *Session) queueSpeechLocked(recordID string, units ...string) {
	queued := false
	for _, u := range units {
		if strings.TrimSpace(u) == "" {
			continue
		}
		s.seq++
		s.ttsPendingText = append(s.ttsPendingText, speechUnit{seq: s.seq, recordID: recordID, text: u})
		s.pendingCommits++
		queued = true
	}
	if queued {
		select {
		case s.ttsWake <- struct{}{}:
		default:
		}
	}
}

// runSpeech sends queued units one at a time. A unit leaves
// ttsPendingText only once it was handed to the provider, so text queued
// while the provider connects goes out after it, in order.
func (s *Session) runSpeech() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ttsWake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.ttsPendingText) == 0 {
				s.mu.Unlock()
				break
			}
			u := s.ttsPendingText[0]
			// registered before sending so early audio is attributed
			s.inflight = append(s.inflight, u)
			s.mu.Unlock()

			err := s.tts.SendText(s.ctx, u.text)

			s.mu.Lock()
			if len(s.ttsPendingText) == 0 || s.ttsPendingText[0].seq != u.seq {
				// stopped while sending
				s.mu.Unlock()
				continue
			}
			s.ttsPendingText = s.ttsPendingText[1:]
			if err != nil {
				s.removeInflightLocked(u.seq)
				s.abandonSpeechLocked()
				s.mu.Unlock()
				s.logger.Warn("tts send failed", zap.Error(err))
				s.emit(protocol.EventTTSError, protocol.ErrorPayload{Code: "tts_failed", Message: err.Error()})
				continue
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) removeInflightLocked(seq uint64) {
	for i, u := range s.inflight {
		if u.seq == seq {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}

// abandonSpeechLocked drops queued text after a send failure. Later units
// would leave a gap in the reply, so none of them are sent.
func (s *Session) abandonSpeechLocked() {
	s.ttsPendingText = nil
	s.pendingCommits = len(s.inflight)
	if s.pendingCommits == 0 {
		s.resetSentencesLocked()
		s.releaseDoneLocked()
	}
}

func (s *Session) resetSentencesLocked() {
	for _, st := range s.subscribedRecords {
		if st.sentences != nil {
			st.sentences.Reset()
		}
	}
}

// releaseDoneLocked sends every deferred agent/done once no audio is owed
func (s *Session) releaseDoneLocked() {
	for _, done := range s.pendingDone {
		s.emit(protocol.EventAgentDone, done)
		s.persistAudioLocked(done.RecordID)
	}
	s.pendingDone = nil
}

func (s *Session) persistAudioLocked(recordID string) {
	data := s.audio[recordID]
	delete(s.audio, recordID)
	if len(data) == 0 {
		return
	}
	s.spawnLocked(func() {
		if err := s.gw.store.SaveAudio(context.WithoutCancel(s.ctx), recordID, data); err != nil {
			s.logger.Warn("failed to save record audio", zap.String("record_id", recordID), zap.Error(err))
		}
	})
}

func (s *Session) onTTSAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recordID string
	if len(s.inflight) > 0 {
		recordID = s.inflight[0].recordID
	}
	if recordID != "" {
		s.audio[recordID] = append(s.audio[recordID], pcm...)
	}
	s.emit(protocol.EventTTSAudio, protocol.AudioChunk{RecordID: recordID, Audio: base64.StdEncoding.EncodeToString(pcm)})
}

func (s *Session) onTTSDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recordID string
	if len(s.inflight) > 0 {
		recordID = s.inflight[0].recordID
		s.inflight = s.inflight[1:]
	}
	if s.pendingCommits > 0 {
		s.pendingCommits--
	}
	s.emit(protocol.EventTTSDone, map[string]string{"recordId": recordID})
	if s.pendingCommits == 0 {
		s.releaseDoneLocked()
	}
}

func (s *Session) onTTSError(err error) {
	s.mu.Lock()
	if s.tts.State() == realtime.StateClosed {
		// nothing already sent will be answered
		s.inflight = nil
		s.pendingCommits = len(s.ttsPendingText)
	} else if len(s.inflight) > 0 {
		s.inflight = s.inflight[1:]
		if s.pendingCommits > 0 {
			s.pendingCommits--
		}
	}
	if s.pendingCommits == 0 {
		s.releaseDoneLocked()
	}
	s.mu.Unlock()

	s.logger.Warn("tts error", zap.Error(err))
	s.emit(protocol.EventTTSError, protocol.ErrorPayload{Code: "tts_error", Message: err.Error()})
}

// stopSpeech discards queued and unfinished speech and releases waiting records
func (s *Session) stopSpeech() {
	if s.tts != nil {
		_ = s.tts.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttsPendingText = nil
	s.inflight = nil
	s.pendingCommits = 0
	s.resetSentencesLocked()
	for _, st := range s.subscribedRecords {
		st.speak = false
	}
	s.releaseDoneLocked()
}

func (s *Session) onASRPartial(text, itemID string) {
	s.emit(protocol.EventASRResult, protocol.ASRResult{Text: text, ItemID: itemID})
}

// onASRFinal forwards the transcript and, when an agent is configured,
// asks it for a reply. The transcript goes out before the record is
// dispatched so it precedes every agent event.
func (s *Session) onASRFinal(text, itemID string) {
	result := protocol.ASRResult{Text: text, Final: true, ItemID: itemID}

	s.mu.Lock()
	agentID, speak := s.agentID, s.speakByDefault
	s.mu.Unlock()

	if strings.TrimSpace(text) == "" || agentID == "" {
		s.emit(protocol.EventASRResult, result)
		return
	}

	recordID, err := s.trackRecord(agentID, speak)
	if err != nil {
		s.emit(protocol.EventASRResult, result)
		s.chatError(err, itemID)
		return
	}
	result.RecordID = recordID
	s.emit(protocol.EventASRResult, result)

	if err := s.dispatchChat(s.ctx, recordID, text, agentID); err != nil {
		s.chatError(err, itemID)
	}
}

func (s *Session) onASRSpeech(started bool) {
	s.emit(protocol.EventASRSpeech, protocol.ASRSpeech{Speaking: started})
}

func (s *Session) onASRError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Warn("asr error", zap.Error(err))
	s.emit(protocol.EventASRError, protocol.ErrorPayload{Code: "asr_error", Message: err.Error()})
}

func (s *Session) goRefreshTools() {
	s.spawn(func() {
		if err := s.refreshTools(s.ctx); err != nil {
			s.logger.Info("failed to list client tools", zap.Error(err))
		}
	})
}

// refreshTools asks the client for the tools it hosts and publishes them
func (s *Session) refreshTools(ctx context.Context) error {
	raw, err := toolcall.Request(ctx, s, s.table, protocol.MethodToolsList, struct{}{}, s.gw.cfg.Gateway.RequestTimeout())
	if err != nil {
		return err
	}
	var listed protocol.ToolsListResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return fmt.Errorf("decode tools/list: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return correlation.ErrConnectionClosed
	}
	s.tools = listed.Tools
	first := !s.hostsTools
	s.hostsTools = true
	s.mu.Unlock()

	if first {
		s.gw.bridge.AddProvider(s)
	} else {
		s.gw.bridge.SetTools(s.ID(), listed.Tools)
	}
	s.logger.Debug("client tools updated", zap.Int("count", len(listed.Tools)))
	return nil
}

func (s *Session) setStatus(status string) {
	if err := s.gw.store.SetClientStatus(context.WithoutCancel(s.ctx), s.domain, s.id, status); err != nil {
		s.logger.Warn("failed to persist client status", zap.Error(err))
	}
	s.gw.bus.Publish(eventbus.StatusUpdate{Kind: "client", ID: s.id, Domain: s.domain, Status: status})
}

// spawn runs fn on a goroutine that Close waits for
func (s *Session) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnLocked(fn)
}

func (s *Session) spawnLocked(fn func()) {
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close releases everything the session holds: sub-sessions, pending
// correlations, then subscriptions. Records still waiting for playback are
// released and their audio persisted before the session is marked closed.
// Calling it again does nothing.
func (s *Session) Close() {
	s.teardown.Do(func() {
		if s.asr != nil {
			_ = s.asr.Close()
		}
		if s.tts != nil {
			_ = s.tts.Close()
		}

		if n := s.table.RejectAll("client disconnected"); n > 0 {
			s.logger.Debug("rejected pending requests", zap.Int("count", n))
		}

		if s.busSub != nil {
			s.busSub.Close()
		}
		s.mu.Lock()
		hostsTools := s.hostsTools
		s.eventSubs = make(map[string]struct{})
		s.subscribedRecords = make(map[string]*recordState)
		s.sentContent = make(map[string]struct{})
		s.ttsPendingText = nil
		s.inflight = nil
		s.pendingCommits = 0
		// held records and any audio already played are saved while
		// spawnLocked still accepts work
		s.releaseDoneLocked()
		for recordID := range s.audio {
			s.persistAudioLocked(recordID)
		}
		s.closed = true
		s.mu.Unlock()

		if hostsTools {
			s.gw.bridge.RemoveProvider(s.ID())
		}
		s.cancel()
	})
}

// wait blocks until the session's goroutines have exited
func (s *Session) wait() {
	s.wg.Wait()
}
