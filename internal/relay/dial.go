package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/observability"
)

// Query parameter names accepted by the realtime endpoint for the model.
const (
	ParamDeployment = "deployment"
	ParamModel      = "model"
)

// Dialer opens the upstream connection for one session.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// RealtimeDialer connects to an Azure OpenAI realtime endpoint. The first
// attempt names the model as a deployment; any failure is retried exactly
// once with the model parameter instead.
type RealtimeDialer struct {
	endpoint   string
	apiKey     string
	apiVersion string
	name       string
	ws         *websocket.Dialer
	logger     *zap.Logger
	metrics    *observability.Metrics
}

func NewRealtimeDialer(endpoint, apiKey, apiVersion, name string, logger *zap.Logger, metrics *observability.Metrics) *RealtimeDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeDialer{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		apiVersion: strings.TrimSpace(apiVersion),
		name:       strings.TrimSpace(name),
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		logger:  logger,
		metrics: metrics,
	}
}

// URL builds the realtime socket URL using param to carry the model name.
func (d *RealtimeDialer) URL(param string) (string, error) {
	if d.endpoint == "" {
		return "", errors.New("realtime endpoint is not configured")
	}
	base := d.endpoint
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u, err := url.Parse(base + "/openai/realtime")
	if err != nil {
		return "", fmt.Errorf("parse realtime endpoint: %w", err)
	}
	q := u.Query()
	q.Set(param, d.name)
	q.Set("api-version", d.apiVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *RealtimeDialer) Dial(ctx context.Context) (Conn, error) {
	conn, firstErr := d.dial(ctx, ParamDeployment)
	if firstErr == nil {
		return conn, nil
	}
	d.logger.Warn("realtime dial failed, retrying with model parameter", zap.Error(firstErr))

	conn, err := d.dial(ctx, ParamModel)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w (deployment attempt: %v)", err, firstErr)
	}
	return conn, nil
}

func (d *RealtimeDialer) dial(ctx context.Context, param string) (Conn, error) {
	u, err := d.URL(param)
	if err != nil {
		d.metrics.UpstreamDial(param, "error")
		return nil, err
	}
	headers := http.Header{}
	headers.Set("api-key", d.apiKey)

	d.logger.Debug("dialing realtime upstream", zap.String("param", param), zap.String("url", u))
	conn, res, err := d.ws.DialContext(ctx, u, headers)
	if err != nil {
		d.metrics.UpstreamDial(param, "error")
		if res != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", param, res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", param, err)
	}
	d.metrics.UpstreamDial(param, "ok")
	return conn, nil
}

// AgentDialer connects to a pre-authenticated external voice agent socket.
type AgentDialer struct {
	url     string
	ws      *websocket.Dialer
	metrics *observability.Metrics
}

func NewAgentDialer(rawURL string, metrics *observability.Metrics) *AgentDialer {
	return &AgentDialer{
		url: strings.TrimSpace(rawURL),
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		metrics: metrics,
	}
}

func (d *AgentDialer) Dial(ctx context.Context) (Conn, error) {
	if d.url == "" {
		return nil, errors.New("agent websocket url is not configured")
	}
	conn, res, err := d.ws.DialContext(ctx, d.url, nil)
	if err != nil {
		d.metrics.UpstreamDial("agent", "error")
		if res != nil {
			return nil, fmt.Errorf("dial agent: status %d: %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	d.metrics.UpstreamDial("agent", "ok")
	return conn, nil
}
