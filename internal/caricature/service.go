package caricature

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/observability"
	"github.com/davidwalker2235/fulgencio-project/internal/policy"
)

var (
	// ErrInvalidRequest marks caller mistakes: blank fields or a photo that
	// is not valid base64.
	ErrInvalidRequest = errors.New("invalid caricature request")
	ErrGeneration     = errors.New("caricature generation failed")
	ErrStore          = errors.New("caricature store failed")
)

// UserPatcher merges fields into a user record.
type UserPatcher interface {
	PatchUser(ctx context.Context, id string, fields map[string]any) error
}

// Result is returned to the caller, including when only the store write
// failed.
type Result struct {
	OK               bool   `json:"ok"`
	OrderNumber      string `json:"orderNumber"`
	StoredInFirebase bool   `json:"storedInFirebase"`
	GeneratedCount   int    `json:"generatedCount"`
}

type Service struct {
	generator ImageGenerator
	store     UserPatcher
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewService(generator ImageGenerator, store UserPatcher, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{generator: generator, store: store, logger: logger, metrics: metrics, now: time.Now}
}

// Generate creates caricatures of photoBase64 and stores them under the
// user record for orderNumber. When generation succeeds but storing fails,
// the populated Result is returned together with an ErrStore error.
func (s *Service) Generate(ctx context.Context, orderNumber, photoBase64 string) (Result, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	photoBase64 = strings.TrimSpace(photoBase64)
	if orderNumber == "" || photoBase64 == "" {
		s.metrics.CaricatureRequest("invalid")
		return Result{}, fmt.Errorf("%w: orderNumber and photoBase64 are required", ErrInvalidRequest)
	}
	photo, err := decodePhoto(photoBase64)
	if err != nil {
		s.metrics.CaricatureRequest("invalid")
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if s.generator == nil {
		s.metrics.CaricatureRequest("unconfigured")
		return Result{}, fmt.Errorf("%w: image generation is not configured", ErrGeneration)
	}

	log := s.logger.With(zap.String("order_ref", policy.MaskIdentifier(orderNumber)))
	images, err := s.generator.Generate(ctx, photo)
	if err != nil {
		s.metrics.CaricatureRequest("generation_error")
		log.Warn("caricature generation failed", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if len(images) == 0 {
		s.metrics.CaricatureRequest("generation_error")
		log.Warn("caricature generation returned no images")
		return Result{}, fmt.Errorf("%w: image provider returned no images", ErrGeneration)
	}

	res := Result{OrderNumber: orderNumber, GeneratedCount: len(images)}
	caricatures := make([]any, 0, len(images))
	for _, img := range images {
		caricatures = append(caricatures, img)
	}
	err = s.store.PatchUser(ctx, orderNumber, map[string]any{
		"caricatures":           caricatures,
		"caricature":            images[0],
		"caricatureGeneratedAt": s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.metrics.CaricatureRequest("store_error")
		log.Warn("storing caricature failed", zap.Error(err))
		return res, fmt.Errorf("%w: %v", ErrStore, err)
	}

	res.OK = true
	res.StoredInFirebase = true
	s.metrics.CaricatureRequest("ok")
	log.Info("caricature stored", zap.Int("count", len(images)))
	return res, nil
}

// decodePhoto accepts raw base64 or a data URL.
func decodePhoto(v string) ([]byte, error) {
	if strings.HasPrefix(v, "data:") {
		idx := strings.Index(v, ",")
		if idx < 0 {
			return nil, errors.New("malformed data url")
		}
		v = v[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode photo: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("photo is empty")
	}
	return data, nil
}
