// Package relay pairs a browser websocket with an upstream voice service and
// personalizes the conversation once the caller identifies themselves.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidwalker2235/fulgencio-project/internal/observability"
	"github.com/davidwalker2235/fulgencio-project/internal/orderref"
	"github.com/davidwalker2235/fulgencio-project/internal/persona"
	"github.com/davidwalker2235/fulgencio-project/internal/policy"
	"github.com/davidwalker2235/fulgencio-project/internal/protocol"
	"github.com/davidwalker2235/fulgencio-project/internal/session"
)

// Variant is the upstream protocol spoken by a relay.
type Variant string

const (
	VariantRealtime Variant = "realtime"
	VariantAgent    Variant = "agent"
)

// State is a relay session's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	dirClientToUpstream = "client_to_upstream"
	dirUpstreamToClient = "upstream_to_client"
)

const defaultHandshakeTimeout = 15 * time.Second

// Error messages sent to the browser.
const (
	msgDialFailed     = "Error al conectar con GPT Realtime: %v"
	msgUpstreamClosed = "Conexión con GPT Realtime cerrada"
)

// Options configures the opening session and response gating.
type Options struct {
	Variant Variant
	// ManualResponses disables upstream auto-responses; the relay sends every
	// response.create itself after personalization has run.
	ManualResponses bool

	Instructions       string
	Voice              string
	TranscriptionModel string
	VAD                protocol.TurnDetection

	// HandshakeTimeout bounds the wait for the upstream's first reply.
	HandshakeTimeout time.Duration
}

// Relay runs relay sessions. It is safe for concurrent use.
type Relay struct {
	dialer   Dialer
	resolver *Resolver
	opts     Options
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func New(dialer Dialer, resolver *Resolver, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Relay {
	if opts.Variant == "" {
		opts.Variant = VariantRealtime
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		dialer:   dialer,
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

func (r *Relay) Variant() Variant { return r.opts.Variant }

// InitialSession returns the session.update sent during the handshake.
func (r *Relay) InitialSession() protocol.SessionUpdate {
	vad := r.opts.VAD
	if vad.Type == "" {
		vad.Type = "server_vad"
	}
	if r.opts.ManualResponses {
		off := false
		vad.CreateResponse = &off
	}
	return protocol.SessionUpdate{
		Type: protocol.TypeSessionUpdate,
		Session: protocol.SessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            r.opts.Instructions,
			Voice:                   r.opts.Voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &protocol.InputAudioTranscription{Model: r.opts.TranscriptionModel},
			TurnDetection:           &vad,
		},
	}
}

// Serve relays between browser and a freshly dialed upstream until either
// side closes or ctx is cancelled. Browser is closed on return.
func (r *Relay) Serve(ctx context.Context, browser *Peer, sess *session.Context) error {
	p := &pipe{
		relay:   r,
		browser: browser,
		sess:    sess,
		logger:  r.logger.With(zap.String("session_id", sess.ID), zap.String("variant", string(r.opts.Variant))),
	}
	defer p.setState(StateClosed)
	defer browser.Close()

	p.setState(StateConnecting)
	conn, err := r.dialer.Dial(ctx)
	if err != nil {
		p.logger.Warn("upstream dial failed", zap.Error(err))
		p.notifyBrowser(protocol.NewRelayError(msgDialFailed, err))
		return fmt.Errorf("dial upstream: %w", err)
	}
	p.upstream = NewPeer(conn)
	defer p.upstream.Close()

	// Cancellation tears both sockets down from here on, which also unblocks
	// a pending handshake read.
	stop := context.AfterFunc(ctx, p.teardown)
	defer stop()

	if r.opts.Variant == VariantRealtime {
		p.setState(StateHandshaking)
		if err := p.handshake(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("upstream handshake failed", zap.Error(err))
			p.notifyBrowser(protocol.NewRelayError("%v", err))
			return err
		}
	}

	p.setState(StateStreaming)

	var g errgroup.Group
	g.Go(func() error {
		defer p.teardown()
		return p.browserToUpstream(ctx)
	})
	g.Go(func() error {
		defer p.teardown()
		return p.upstreamToBrowser(ctx)
	})
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// pipe is the state of one relayed session.
type pipe struct {
	relay    *Relay
	browser  *Peer
	upstream *Peer
	sess     *session.Context
	logger   *zap.Logger

	state   atomic.Int32
	closing atomic.Bool
}

func (p *pipe) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.logger.Debug("relay state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// teardown closes both sockets, which unblocks whichever loop is still reading.
func (p *pipe) teardown() {
	if !p.closing.CompareAndSwap(false, true) {
		return
	}
	p.setState(StateClosing)
	_ = p.upstream.Close()
	_ = p.browser.Close()
}

// notifyBrowser sends a best-effort message; failures are swallowed.
func (p *pipe) notifyBrowser(v any) {
	if p.browser.Closed() {
		return
	}
	if err := p.browser.WriteJSON(v); err != nil {
		p.logger.Debug("browser notification dropped", zap.Error(err))
	}
}

// handshake configures the upstream session and forwards its first reply.
func (p *pipe) handshake() error {
	if err := p.upstream.WriteJSON(p.relay.InitialSession()); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}
	p.relay.metrics.WSMessage(dirClientToUpstream, string(protocol.TypeSessionUpdate))

	_ = p.upstream.SetReadDeadline(time.Now().Add(p.relay.opts.HandshakeTimeout))
	mt, data, err := p.upstream.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	_ = p.upstream.SetReadDeadline(time.Time{})
	p.relay.metrics.WSMessage(dirUpstreamToClient, "handshake")
	if mt == websocket.BinaryMessage {
		_ = p.browser.WriteBinary(data)
		return nil
	}
	_ = p.browser.WriteText(data)
	return nil
}

func (p *pipe) browserToUpstream(ctx context.Context) error {
	for {
		mt, data, err := p.browser.ReadMessage()
		if err != nil {
			if !p.closing.Load() {
				p.logger.Debug("browser disconnected", zap.Error(err))
			}
			return nil
		}

		switch mt {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				p.logger.Debug("dropping empty audio frame")
				continue
			}
			if err := p.forwardAudio(data); err != nil {
				return err
			}
		case websocket.TextMessage:
			if err := p.handleClientText(ctx, data); err != nil {
				return err
			}
		}
	}
}

func (p *pipe) forwardAudio(data []byte) error {
	p.relay.metrics.WSMessage(dirClientToUpstream, "audio")
	if p.relay.opts.Variant == VariantAgent {
		return p.writeUpstream(p.upstream.WriteBinary(data))
	}
	return p.writeUpstream(p.upstream.WriteJSON(protocol.InputAudioAppend{
		Type:  protocol.TypeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(data),
	}))
}

func (p *pipe) handleClientText(ctx context.Context, data []byte) error {
	if p.relay.opts.Variant == VariantAgent {
		p.relay.metrics.WSMessage(dirClientToUpstream, "text")
		return p.writeUpstream(p.upstream.WriteText(data))
	}

	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		p.logger.Warn("dropping malformed browser message", zap.Error(err))
		return nil
	}

	switch m := msg.(type) {
	case protocol.ResponseCreate:
		if p.relay.opts.ManualResponses {
			p.relay.metrics.SuppressedResponse()
			p.logger.Debug("suppressed browser response.create")
			return nil
		}
		return p.requestResponse(m)
	case protocol.ConversationItemCreate:
		p.relay.metrics.WSMessage(dirClientToUpstream, string(m.Type))
		if err := p.writeUpstream(p.upstream.WriteText(data)); err != nil {
			return err
		}
		text := m.UserText()
		if text == "" {
			return nil
		}
		return p.onUserText(ctx, text)
	case protocol.SessionUpdate:
		p.relay.metrics.WSMessage(dirClientToUpstream, string(m.Type))
		return p.writeUpstream(p.upstream.WriteText(data))
	case protocol.Unknown:
		p.relay.metrics.WSMessage(dirClientToUpstream, string(m.Type))
		return p.writeUpstream(p.upstream.WriteText(data))
	default:
		return p.writeUpstream(p.upstream.WriteText(data))
	}
}

// onUserText records user text, runs personalization, and in manual mode
// asks for the reply. Personalization always completes before the request.
func (p *pipe) onUserText(ctx context.Context, text string) error {
	p.sess.SetLatestUserText(text)
	redacted, _ := policy.RedactPII(text)
	p.logger.Debug("user text", zap.String("text", orderref.Redact(redacted)))
	if err := p.personalize(ctx, text); err != nil {
		return err
	}
	if p.relay.opts.Variant != VariantRealtime || !p.relay.opts.ManualResponses {
		return nil
	}
	return p.requestResponse(protocol.NewResponseCreate())
}

// personalize resolves an order reference in text and, on a new lock,
// rewrites the upstream session instructions. Store failures are logged and
// leave the session anonymous.
func (p *pipe) personalize(ctx context.Context, text string) error {
	if p.sess.IsLocked() || p.relay.resolver == nil {
		return nil
	}
	identifier, ok := orderref.Extract(text)
	if !ok {
		return nil
	}
	locked, err := p.relay.resolver.Resolve(ctx, p.sess, identifier)
	if err != nil {
		p.logger.Warn("user lookup failed", zap.String("order_ref", policy.MaskIdentifier(identifier)), zap.Error(err))
		return nil
	}
	if !locked || p.relay.opts.Variant != VariantRealtime {
		return nil
	}

	id, rec, _ := p.sess.Identity()
	update := protocol.SessionUpdate{
		Type: protocol.TypeSessionUpdate,
		Session: protocol.SessionConfig{
			Instructions: persona.SessionInstructions(id, rec, p.relay.opts.Instructions),
		},
	}
	p.relay.metrics.WSMessage(dirClientToUpstream, string(protocol.TypeSessionUpdate))
	return p.writeUpstream(p.upstream.WriteJSON(update))
}

func (p *pipe) requestResponse(req protocol.ResponseCreate) error {
	if req.Type == "" {
		req.Type = protocol.TypeResponseCreate
	}
	p.relay.metrics.WSMessage(dirClientToUpstream, string(protocol.TypeResponseCreate))
	return p.writeUpstream(p.upstream.WriteJSON(persona.Inject(req, p.sess)))
}

// writeUpstream reports upstream write failures to the browser.
func (p *pipe) writeUpstream(err error) error {
	if err == nil {
		return nil
	}
	if !p.closing.Load() {
		p.notifyBrowser(protocol.NewRelayError(msgUpstreamClosed))
	}
	return fmt.Errorf("write upstream: %w", err)
}

func (p *pipe) upstreamToBrowser(ctx context.Context) error {
	for {
		mt, data, err := p.upstream.ReadMessage()
		if err != nil {
			if p.closing.Load() {
				return nil
			}
			p.logger.Info("upstream closed", zap.Error(err))
			p.notifyBrowser(protocol.NewRelayError(msgUpstreamClosed))
			if isNormalClose(err) {
				return nil
			}
			return fmt.Errorf("read upstream: %w", err)
		}

		if mt == websocket.BinaryMessage {
			p.relay.metrics.WSMessage(dirUpstreamToClient, "audio")
			if err := p.browser.WriteBinary(data); err != nil {
				return nil
			}
			continue
		}

		if err := p.browser.WriteText(data); err != nil {
			return nil
		}
		if err := p.inspectUpstream(ctx, data); err != nil {
			return err
		}
	}
}

// inspectUpstream reacts to upstream events after they were forwarded.
func (p *pipe) inspectUpstream(ctx context.Context, data []byte) error {
	if p.relay.opts.Variant == VariantAgent {
		ev, err := protocol.ParseAgentEvent(data)
		if err != nil {
			p.relay.metrics.WSMessage(dirUpstreamToClient, "raw")
			return nil
		}
		switch m := ev.(type) {
		case protocol.STTOutput:
			p.relay.metrics.WSMessage(dirUpstreamToClient, string(m.Type))
			if m.Transcript == "" {
				return nil
			}
			return p.onUserText(ctx, m.Transcript)
		case protocol.Unknown:
			p.relay.metrics.WSMessage(dirUpstreamToClient, string(m.Type))
		default:
			p.relay.metrics.WSMessage(dirUpstreamToClient, "agent_event")
		}
		return nil
	}

	ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		p.relay.metrics.WSMessage(dirUpstreamToClient, "raw")
		return nil
	}
	switch m := ev.(type) {
	case protocol.TranscriptionCompleted:
		p.relay.metrics.WSMessage(dirUpstreamToClient, string(m.Type))
		if m.Transcript == "" {
			return nil
		}
		return p.onUserText(ctx, m.Transcript)
	case protocol.ServerError:
		p.relay.metrics.WSMessage(dirUpstreamToClient, string(m.Type))
		p.logger.Warn("upstream error event", zap.String("code", m.Error.Code), zap.String("message", m.Error.Message))
	case protocol.Unknown:
		p.relay.metrics.WSMessage(dirUpstreamToClient, string(m.Type))
	default:
		p.relay.metrics.WSMessage(dirUpstreamToClient, "event")
	}
	return nil
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway)
}
