// SPDX-License-Identifier: MIT

// Package ingress implements the HTTP boundary for StreamVault's event
// ingress contract (§6): a single HMAC-signed POST endpoint that decodes
// the wire payload and hands it to the Event Dispatcher (C6). It is not a
// general-purpose web framework — one route, one verb, one job.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamvault/core/internal/events"
	"github.com/streamvault/core/internal/model"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the request body,
// keyed by the configured webhook secret.
const SignatureHeader = "X-StreamVault-Signature"

// wirePayload mirrors the §6 "Ingress event contract" JSON shape exactly.
type wirePayload struct {
	ChannelID        int64  `json:"channel_id"`
	Kind             string `json:"kind"`
	PlatformStreamID string `json:"platform_stream_id"`
	Title            string `json:"title"`
	Category         string `json:"category"`
	Language         string `json:"language"`
	ArrivedAt        string `json:"arrived_at"`
}

// Handler verifies the request signature, decodes the payload, and calls
// Dispatch. Any decode or dispatch error produces a 4xx/5xx JSON body; it
// never panics on malformed input.
type Handler struct {
	dispatcher *events.Dispatcher
	secret     []byte
	logger     *slog.Logger
}

// NewHandler creates an ingress Handler. secret must be non-empty; an empty
// secret would accept unsigned requests, which the ingress contract
// disallows.
func NewHandler(dispatcher *events.Dispatcher, secret string, logger *slog.Logger) (*Handler, error) {
	if secret == "" {
		return nil, fmt.Errorf("ingress: webhook secret must not be empty")
	}
	return &Handler{dispatcher: dispatcher, secret: []byte(secret), logger: logger}, nil
}

// Name identifies this service to the supervisor.
func (h *Handler) Name() string { return "ingress" }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if !h.verifySignature(r.Header.Get(SignatureHeader), body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload wirePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	ev, err := toEvent(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), ev); err != nil {
		h.logf("dispatch failed: channel=%d kind=%s: %v", ev.ChannelID, ev.Kind, err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) verifySignature(headerValue string, body []byte) bool {
	if headerValue == "" {
		return false
	}
	want, err := hex.DecodeString(headerValue)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(got, want)
}

func (h *Handler) logf(format string, args ...interface{}) {
	if h.logger != nil {
		h.logger.Warn(fmt.Sprintf(format, args...))
	}
}

func toEvent(p wirePayload) (events.Event, error) {
	kind, err := parseEventKind(p.Kind)
	if err != nil {
		return events.Event{}, err
	}

	arrivedAt, err := time.Parse(time.RFC3339, p.ArrivedAt)
	if err != nil {
		return events.Event{}, fmt.Errorf("invalid arrived_at: %w", err)
	}

	return events.Event{
		ChannelID:        p.ChannelID,
		Kind:             kind,
		Title:            p.Title,
		Category:         p.Category,
		Language:         p.Language,
		PlatformStreamID: p.PlatformStreamID,
		ArrivedAt:        arrivedAt,
	}, nil
}

func parseEventKind(s string) (model.EventKind, error) {
	switch s {
	case "online":
		return model.EventKindOnline, nil
	case "offline":
		return model.EventKindOffline, nil
	case "channel_update":
		return model.EventKindChannelUpdate, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}

// Sign computes the hex-encoded HMAC-SHA256 signature for body under
// secret. Exposed for test fixtures and for callers constructing signed
// requests outside the web layer (e.g. integration tests, replay tools).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
