package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/protocol"
)

// Summarizer asks the realtime model, in a text-only session, to summarize
// what the user said during a conversation.
type Summarizer struct {
	dialer       Dialer
	instructions string
	timeout      time.Duration
	logger       *zap.Logger
}

func NewSummarizer(dialer Dialer, instructions string, timeout time.Duration, logger *zap.Logger) *Summarizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		dialer:       dialer,
		instructions: strings.TrimSpace(instructions),
		timeout:      timeout,
		logger:       logger,
	}
}

// Summarize returns the summary and the number of user messages it covers.
// With no user messages nothing is dialed and the summary is empty.
func (s *Summarizer) Summarize(ctx context.Context, messages []protocol.TranscriptMessage) (string, int, error) {
	userTexts := protocol.UserContents(messages)
	if len(userTexts) == 0 {
		return "", 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return "", len(userTexts), fmt.Errorf("dial summary session: %w", err)
	}
	peer := NewPeer(conn)
	defer peer.Close()
	stop := context.AfterFunc(ctx, func() { _ = peer.Close() })
	defer stop()

	setup := []any{
		protocol.SessionUpdate{
			Type: protocol.TypeSessionUpdate,
			Session: protocol.SessionConfig{
				Modalities:   []string{"text"},
				Instructions: s.instructions,
			},
		},
		protocol.ConversationItemCreate{
			Type: protocol.TypeConversationItemCreate,
			Item: protocol.ConversationItem{
				Type:    "message",
				Role:    "user",
				Content: []protocol.ContentPart{{Type: "input_text", Text: transcriptPrompt(userTexts)}},
			},
		},
		protocol.ResponseCreate{
			Type:     protocol.TypeResponseCreate,
			Response: protocol.ResponseParams{Modalities: []string{"text"}},
		},
	}
	for _, msg := range setup {
		if err := peer.WriteJSON(msg); err != nil {
			return "", len(userTexts), fmt.Errorf("send summary request: %w", err)
		}
	}

	summary, err := s.collect(ctx, peer)
	if err != nil {
		return "", len(userTexts), err
	}
	return summary, len(userTexts), nil
}

func (s *Summarizer) collect(ctx context.Context, peer *Peer) (string, error) {
	var out strings.Builder
	for {
		mt, data, err := peer.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("summary: %w", ctxErr)
			}
			return "", fmt.Errorf("read summary: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			s.logger.Debug("ignoring malformed summary event", zap.Error(err))
			continue
		}
		switch m := ev.(type) {
		case protocol.ResponseTextDelta:
			out.WriteString(m.Delta)
		case protocol.ResponseDone:
			if out.Len() == 0 {
				out.WriteString(m.Text())
			}
			return strings.TrimSpace(out.String()), nil
		case protocol.ServerError:
			return "", errors.New("summary upstream error: " + m.Error.Message)
		}
	}
}

func transcriptPrompt(userTexts []string) string {
	var b strings.Builder
	b.WriteString("Mensajes del usuario:\n")
	for _, t := range userTexts {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
