package caricature

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidwalker2235/fulgencio-project/internal/userstore"
)

type fakeGenerator struct {
	images []string
	err    error
	got    []byte
}

func (g *fakeGenerator) Generate(_ context.Context, photo []byte) ([]string, error) {
	g.got = photo
	return g.images, g.err
}

type failingPatcher struct{}

func (failingPatcher) PatchUser(context.Context, string, map[string]any) error {
	return errors.New("permission denied")
}

var photoB64 = base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))

func TestServiceGenerateStoresImages(t *testing.T) {
	store := userstore.NewInMemoryStore()
	store.Put("42", userstore.Record{"fullName": "Ana"})
	gen := &fakeGenerator{images: []string{"data:image/png;base64,AAA", "data:image/png;base64,BBB"}}
	svc := NewService(gen, store, zaptest.NewLogger(t), nil)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }

	res, err := svc.Generate(context.Background(), " 42 ", "data:image/png;base64,"+photoB64)
	require.NoError(t, err)
	assert.Equal(t, Result{OK: true, OrderNumber: "42", StoredInFirebase: true, GeneratedCount: 2}, res)
	assert.Equal(t, []byte("\x89PNG fake"), gen.got)

	rec, err := store.GetUser(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Ana", rec["fullName"])
	assert.Equal(t, "data:image/png;base64,AAA", rec["caricature"])
	assert.Len(t, rec["caricatures"], 2)
	assert.Equal(t, "2026-05-01T10:00:00Z", rec["caricatureGeneratedAt"])
}

func TestServiceGenerateRejectsBlankFields(t *testing.T) {
	svc := NewService(&fakeGenerator{}, userstore.NewInMemoryStore(), nil, nil)

	_, err := svc.Generate(context.Background(), "", photoB64)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Generate(context.Background(), "42", "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Generate(context.Background(), "42", "not base64!")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestServiceGenerateFailure(t *testing.T) {
	svc := NewService(&fakeGenerator{err: errors.New("content filter")}, userstore.NewInMemoryStore(), nil, nil)
	_, err := svc.Generate(context.Background(), "42", photoB64)
	assert.ErrorIs(t, err, ErrGeneration)

	svc = NewService(nil, userstore.NewInMemoryStore(), nil, nil)
	_, err = svc.Generate(context.Background(), "42", photoB64)
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestServiceGenerateWithoutImages(t *testing.T) {
	store := userstore.NewInMemoryStore()
	svc := NewService(&fakeGenerator{}, store, zaptest.NewLogger(t), nil)

	res, err := svc.Generate(context.Background(), "42", photoB64)
	require.ErrorIs(t, err, ErrGeneration)
	assert.False(t, res.OK)
	assert.Zero(t, res.GeneratedCount)
}

func TestServiceStoreFailureKeepsResult(t *testing.T) {
	svc := NewService(&fakeGenerator{images: []string{"data:image/png;base64,AAA"}}, failingPatcher{}, zaptest.NewLogger(t), nil)

	res, err := svc.Generate(context.Background(), "42", photoB64)
	require.ErrorIs(t, err, ErrStore)
	assert.False(t, res.OK)
	assert.False(t, res.StoredInFirebase)
	assert.Equal(t, 1, res.GeneratedCount)
	assert.Equal(t, "42", res.OrderNumber)
}

func TestAzureGeneratorCallsImageEdit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/images/edits"), "path %s", r.URL.Path)
		assert.Equal(t, "2025-04-01-preview", r.URL.Query().Get("api-version"))
		assert.Equal(t, "key", r.Header.Get("api-key"))

		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "make it funny", r.FormValue("prompt"))
		f, _, err := r.FormFile("image")
		if assert.NoError(t, err) {
			data, _ := io.ReadAll(f)
			assert.Equal(t, []byte("photo-bytes"), data)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created":1,"data":[{"b64_json":"QUJD"}]}`)
	}))
	defer srv.Close()

	gen, err := NewAzureGenerator(GeneratorConfig{
		Endpoint:   srv.URL,
		APIKey:     "key",
		APIVersion: "2025-04-01-preview",
		Deployment: "gpt-image-1",
		Size:       "1024x1024",
		Count:      2,
		Prompt:     "make it funny",
	})
	require.NoError(t, err)

	images, err := gen.Generate(context.Background(), []byte("photo-bytes"))
	require.NoError(t, err)
	assert.Equal(t, []string{"data:image/png;base64,QUJD"}, images)
}

func TestAzureGeneratorInlinesHostedImages(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nrest-of-image")
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hosted/1.png" {
			_, _ = w.Write(png)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created":1,"data":[{"url":"`+srv.URL+`/hosted/1.png"}]}`)
	}))
	defer srv.Close()

	gen, err := NewAzureGenerator(GeneratorConfig{Endpoint: srv.URL, APIKey: "key", Deployment: "gpt-image-1", Prompt: "p"})
	require.NoError(t, err)

	images, err := gen.Generate(context.Background(), []byte("photo-bytes"))
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(png), images[0])
}

func TestAzureGeneratorRejectsHostedNonImage(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hosted/1.png" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>denied</html>")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created":1,"data":[{"url":"`+srv.URL+`/hosted/1.png"}]}`)
	}))
	defer srv.Close()

	gen, err := NewAzureGenerator(GeneratorConfig{Endpoint: srv.URL, APIKey: "key", Deployment: "gpt-image-1", Prompt: "p"})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), []byte("photo-bytes"))
	assert.Error(t, err)
}

func TestNewAzureGeneratorRequiresCredentials(t *testing.T) {
	_, err := NewAzureGenerator(GeneratorConfig{Endpoint: "https://x"})
	assert.Error(t, err)
}
