// Package gemini implements a client for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Input audio is transmitted as base64-encoded PCM chunks; the
// model's synthesized speech, interruption signals, and transcriptions are
// surfaced on per-session channels.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// OutputRate is the sample rate in Hz of the PCM audio the model synthesizes.
const OutputRate = 24000

// Speaker labels for transcript entries.
const (
	SpeakerUser  = "user"
	SpeakerModel = "model"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// SessionConfig is the fixed configuration sent in the session setup message.
// It is passed through to the service unmodified.
type SessionConfig struct {
	// Voice selects a prebuilt synthesized voice (e.g. "Aoede", "Puck").
	// Empty means the model default.
	Voice string

	// Instructions is the system instruction injected at session start
	// (persona and language directives).
	Instructions string
}

// Transcript is one text fragment recognized from the user's speech or
// accompanying the model's audio output.
type Transcript struct {
	Speaker   string // SpeakerUser or SpeakerModel
	Text      string
	Timestamp time.Time
}

// Client opens Gemini Live sessions. It holds only immutable connection
// parameters and is safe for concurrent use.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Gemini Live client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect establishes a new Gemini Live session with the given configuration.
// The returned Session accepts audio immediately after the setup message is
// sent.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &Session{
		conn:        conn,
		audioCh:     make(chan []byte, 64),
		interrupts:  make(chan struct{}, 1),
		transcripts: make(chan Transcript, 16),
		done:        make(chan struct{}),
		terminated:  make(chan struct{}),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSetup(c.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is the single live bidirectional stream handle to the remote speech
// service. At most one Session should be live per logical connection; the
// owner creates it via [Client.Connect] and destroys it with [Session.Close].
//
// All methods are safe for concurrent use.
type Session struct {
	conn         *websocket.Conn
	audioCh      chan []byte
	interrupts   chan struct{}
	transcripts  chan Transcript
	errorHandler func(error)

	mu     sync.Mutex
	errVal error
	closed bool

	done       chan struct{} // closed by Close
	terminated chan struct{} // closed when the receive loop exits
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *Session) sendSetup(model string, cfg SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the outgoing channels: it closes them when it exits, and closes the
// terminated channel last so consumers observe Err() after Done() fires.
func (s *Session) receiveLoop() {
	defer close(s.terminated)
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: dropping malformed server frame", "err", err)
			continue
		}

		s.handleServerMessage(&msg)
	}
}

func (s *Session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		s.handleError(msg.Error)
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		// Tool execution is out of scope for the bridge; acknowledge by
		// logging so misconfigured sessions are diagnosable.
		for _, fc := range msg.ToolCall.FunctionCalls {
			slog.Debug("gemini: ignoring tool call", "id", fc.ID, "name", fc.Name)
		}
	}
}

func (s *Session) handleError(ge *geminiError) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()

	if handler == nil {
		return
	}

	msg := "unknown error"
	if ge.Message != "" {
		msg = ge.Message
	}
	handler(fmt.Errorf("gemini: %s", msg))
}

func (s *Session) handleServerContent(sc *serverContent) {
	// The user spoke over the model: signal the playback side to flush.
	// Coalescing repeat signals into one pending notification is fine; the
	// flush is idempotent.
	if sc.Interrupted {
		select {
		case s.interrupts <- struct{}{}:
		default:
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" {
				s.emitTranscript(Transcript{
					Speaker:   SpeakerModel,
					Text:      p.Text,
					Timestamp: time.Now(),
				})
			}
			if p.InlineData == nil {
				continue
			}
			audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(audioData) == 0 {
				slog.Debug("gemini: dropping undecodable audio chunk", "err", err)
				continue
			}
			select {
			case s.audioCh <- audioData:
			case <-s.ctx.Done():
				return
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emitTranscript(Transcript{
			Speaker:   SpeakerUser,
			Text:      sc.InputTranscription.Text,
			Timestamp: time.Now(),
		})
	}

	// Text version of the model's audio output.
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emitTranscript(Transcript{
			Speaker:   SpeakerModel,
			Text:      sc.OutputTranscription.Text,
			Timestamp: time.Now(),
		})
	}
}

func (s *Session) emitTranscript(tr Transcript) {
	select {
	case s.transcripts <- tr:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.interrupts)
		close(s.transcripts)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: session closed")
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(chunk)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: encoded},
			},
		},
	}
	return s.writeJSON(msg)
}

// Audio returns the channel on which the model's synthesized audio arrives.
// Chunks are raw PCM at [OutputRate]. The channel closes when the session
// terminates.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Interrupts returns the channel signalled when the service reports that the
// user interrupted the model's speech.
func (s *Session) Interrupts() <-chan struct{} { return s.interrupts }

// Transcripts returns the channel on which transcript fragments arrive.
func (s *Session) Transcripts() <-chan Transcript { return s.transcripts }

// Done returns a channel closed when the session terminates for any reason:
// remote close, read error, or explicit [Session.Close]. Consult
// [Session.Err] afterwards to distinguish failure from clean shutdown.
func (s *Session) Done() <-chan struct{} { return s.terminated }

// Err returns the error that terminated the session, or nil before
// termination and after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// OnError registers a callback for non-fatal error frames from the service.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// Close terminates the session and releases all resources. Idempotent; the
// remote endpoint may already be gone, so close errors are not reported.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
