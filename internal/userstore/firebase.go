package userstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/reliability"
)

// FirebaseStore talks to a Firebase Realtime Database over its REST API.
type FirebaseStore struct {
	baseURL   string
	authToken string
	client    *http.Client
	stream    *http.Client
	logger    *zap.Logger

	reconnectBase time.Duration
	reconnectCap  time.Duration
}

func NewFirebaseStore(baseURL, authToken string, timeout time.Duration, logger *zap.Logger) (*FirebaseStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("firebase database url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse firebase url: %w", err)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FirebaseStore{
		baseURL:   baseURL,
		authToken: strings.TrimSpace(authToken),
		client:    &http.Client{Timeout: timeout},
		// Streaming reads stay open indefinitely; cancellation comes from ctx.
		stream:        &http.Client{},
		logger:        logger,
		reconnectBase: 500 * time.Millisecond,
		reconnectCap:  30 * time.Second,
	}, nil
}

func (s *FirebaseStore) Mode() string { return "firebase" }

func (s *FirebaseStore) endpoint(path string) string {
	u := s.baseURL + "/" + path + ".json"
	if s.authToken != "" {
		u += "?auth=" + url.QueryEscape(s.authToken)
	}
	return u
}

func (s *FirebaseStore) GetUser(ctx context.Context, id string) (Record, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("users/"+url.PathEscape(id)), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read user: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("firebase status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrNotFound
	}
	var rec map[string]any
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return Record(rec), nil
}

// PatchUser sends fields as a Firebase multi-path update; slash keys are
// resolved by the database relative to the user node.
func (s *FirebaseStore) PatchUser(ctx context.Context, id string, fields map[string]any) error {
	if err := validateKey(id); err != nil {
		return err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.endpoint("users/"+url.PathEscape(id)), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("patch user: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("firebase status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// WatchStatus subscribes to the status node as a server-sent event stream and
// reconnects with capped backoff until ctx is done.
func (s *FirebaseStore) WatchStatus(ctx context.Context, fn func(any)) error {
	attempt := 0
	for {
		delivered, err := s.watchOnce(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			attempt = 0
		}
		wait := reliability.ExponentialBackoff(attempt, s.reconnectBase, s.reconnectCap)
		attempt++
		s.logger.Warn("status stream ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		if err := reliability.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *FirebaseStore) watchOnce(ctx context.Context, fn func(any)) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint("status"), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := s.stream.Do(req)
	if err != nil {
		return false, fmt.Errorf("open status stream: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return false, fmt.Errorf("firebase status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return consumeStatusEvents(res.Body, fn)
}

type streamEvent struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// consumeStatusEvents reads Firebase put/patch events and keeps the full
// status value current, calling fn after each change.
func consumeStatusEvents(body io.Reader, fn func(any)) (bool, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		current   any
		event     string
		data      strings.Builder
		delivered bool
	)
	dispatch := func() error {
		defer func() {
			event = ""
			data.Reset()
		}()
		switch event {
		case "put", "patch":
		case "cancel", "auth_revoked":
			return fmt.Errorf("status stream %s", event)
		default:
			return nil
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
			return fmt.Errorf("decode %s event: %w", event, err)
		}
		var value any
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &value); err != nil {
				return fmt.Errorf("decode %s data: %w", event, err)
			}
		}
		if event == "put" {
			current = setPath(current, ev.Path, value)
		} else if fields, ok := value.(map[string]any); ok {
			for k, v := range fields {
				current = setPath(current, strings.TrimRight(ev.Path, "/")+"/"+k, v)
			}
		}
		delivered = true
		if m, ok := current.(map[string]any); ok {
			fn(cloneMap(m))
		} else {
			fn(current)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := dispatch(); err != nil {
				return delivered, err
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("stream read: %w", err)
	}
	if err := dispatch(); err != nil {
		return delivered, err
	}
	return delivered, io.EOF
}

func (s *FirebaseStore) Close() error {
	s.client.CloseIdleConnections()
	s.stream.CloseIdleConnections()
	return nil
}
