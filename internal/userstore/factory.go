package userstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options selects and configures a Store backend.
type Options struct {
	// Mode is auto, firebase, postgres or memory.
	Mode              string
	FirebaseURL       string
	FirebaseAuthToken string
	DatabaseURL       string
	Timeout           time.Duration
}

// NewStore creates the configured backend. In auto mode a Firebase URL wins,
// then a database URL, then the in-memory store.
func NewStore(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	if mode == "" || mode == "auto" {
		switch {
		case strings.TrimSpace(opts.FirebaseURL) != "":
			mode = "firebase"
		case strings.TrimSpace(opts.DatabaseURL) != "":
			mode = "postgres"
		default:
			mode = "memory"
		}
	}

	switch mode {
	case "firebase":
		return NewFirebaseStore(opts.FirebaseURL, opts.FirebaseAuthToken, opts.Timeout, logger)
	case "postgres":
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres user store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, opts.DatabaseURL, logger)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown user store mode %q", opts.Mode)
	}
}
