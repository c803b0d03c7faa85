// Package caricature turns a visitor's photo into stylized images and stores
// them on the visitor's user record.
package caricature

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ImageGenerator produces images from a source photo. Results are data URLs.
type ImageGenerator interface {
	Generate(ctx context.Context, photo []byte) ([]string, error)
}

// GeneratorConfig addresses an Azure OpenAI image deployment.
type GeneratorConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
	Size       string
	Count      int
	Prompt     string
	Timeout    time.Duration
}

// AzureGenerator calls the image edit API with the photo and a fixed prompt.
type AzureGenerator struct {
	client *openai.Client
	http   *http.Client
	cfg    GeneratorConfig
}

func NewAzureGenerator(cfg GeneratorConfig) (*AzureGenerator, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("image endpoint and api key are required")
	}
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	deployment := strings.TrimSpace(cfg.Deployment)

	clientCfg := openai.DefaultAzureConfig(cfg.APIKey, strings.TrimRight(cfg.Endpoint, "/"))
	if cfg.APIVersion != "" {
		clientCfg.APIVersion = cfg.APIVersion
	}
	clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
	httpClient := &http.Client{Timeout: cfg.Timeout}
	clientCfg.HTTPClient = httpClient

	return &AzureGenerator{client: openai.NewClientWithConfig(clientCfg), http: httpClient, cfg: cfg}, nil
}

// namedReader gives the multipart upload a filename with an image extension.
type namedReader struct {
	*bytes.Reader
	name string
}

func (r namedReader) Name() string { return r.name }

func (g *AzureGenerator) Generate(ctx context.Context, photo []byte) ([]string, error) {
	resp, err := g.client.CreateEditImage(ctx, openai.ImageEditRequest{
		Image:  namedReader{Reader: bytes.NewReader(photo), name: "photo" + extensionFor(photo)},
		Prompt: g.cfg.Prompt,
		Model:  g.cfg.Deployment,
		N:      g.cfg.Count,
		Size:   g.cfg.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("create edit image: %w", err)
	}

	out := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		switch {
		case d.B64JSON != "":
			out = append(out, "data:image/png;base64,"+d.B64JSON)
		case d.URL != "":
			img, err := g.fetchDataURL(ctx, d.URL)
			if err != nil {
				return nil, err
			}
			out = append(out, img)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("image provider returned no images")
	}
	return out, nil
}

// maxRemoteImage caps a downloaded image.
const maxRemoteImage = 20 << 20

// fetchDataURL downloads a provider-hosted image and inlines it.
func (g *AzureGenerator) fetchDataURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteImage+1))
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	if len(data) == 0 || len(data) > maxRemoteImage {
		return "", fmt.Errorf("fetch image: unexpected size %d", len(data))
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
			mime = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
		} else {
			return "", fmt.Errorf("fetch image: not an image (%s)", mime)
		}
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func extensionFor(photo []byte) string {
	switch http.DetectContentType(photo) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
