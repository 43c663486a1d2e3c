// SPDX-License-Identifier: MIT

package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/events"
	"github.com/streamvault/core/internal/ids"
	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/store"
)

type stubLifecycle struct{ started []string }

func (s *stubLifecycle) StartRecording(_ context.Context, _ model.Stream, _ model.Channel, _ bool) (string, error) {
	s.started = append(s.started, "started")
	return "rec_1", nil
}

func (s *stubLifecycle) StopRecording(_ context.Context, _ string, _ string) error { return nil }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestHandler(t *testing.T, secret string) (*Handler, *store.MemStore) {
	t.Helper()
	db := store.NewMemStore()
	db.SeedChannel(model.Channel{ID: 1, Login: "kanashii", RecordingEnabled: true})

	gen := ids.NewGenerator(fixedClock{t: time.Now()})
	dispatcher := events.New(db, &stubLifecycle{}, gen, fixedClock{t: time.Now()}, config.DefaultGlobals(), nil, events.DefaultDedupTTL)

	h, err := NewHandler(dispatcher, secret, nil)
	require.NoError(t, err)
	return h, db
}

const payload = `{"channel_id":1,"kind":"online","platform_stream_id":"s1","title":"t","category":"c","language":"en","arrived_at":"2026-01-01T00:00:00Z"}`

func TestNewHandlerRejectsEmptySecret(t *testing.T) {
	_, err := NewHandler(nil, "", nil)
	require.Error(t, err)
}

func TestServeHTTPAcceptsValidSignature(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(payload))
	req.Header.Set(SignatureHeader, Sign([]byte(payload), "topsecret"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServeHTTPRejectsMissingSignature(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(payload))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPRejectsWrongSignature(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(payload))
	req.Header.Set(SignatureHeader, Sign([]byte(payload), "wrongsecret"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPRejectsMalformedJSON(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")
	body := "{not json"

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte(body), "topsecret"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPRejectsUnknownKind(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")
	body := `{"channel_id":1,"kind":"sideways","arrived_at":"2026-01-01T00:00:00Z"}`

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte(body), "topsecret"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPRejectsNonPost(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerName(t *testing.T) {
	h, _ := newTestHandler(t, "topsecret")
	assert.Equal(t, "ingress", h.Name())
}
