package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"nostr-timeline/internal/config"
	"nostr-timeline/internal/nostr"
	"nostr-timeline/internal/types"
)

// Services bundles the subsystems the HTTP surface exposes
type Services struct {
	Pool      *RelayPool
	SeenOn    *SeenOnIndex
	Store     *EventStore
	Timelines *TimelineService
	Profiles  *ProfileService
	Auth      *AuthChallengeHandler

	cfg *AppConfig
}

// Router builds the HTTP route table
func (s *Services) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metricsHandler(s.Pool)).Methods(http.MethodGet)
	r.HandleFunc("/v1/timeline", s.timelineHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/timeline/more", s.timelineMoreHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/publish", s.publishHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/profile/{pubkey}", s.profileHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/events/{id}/hints", s.eventHintsHandler).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Services) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// parseIntParam reads an integer query parameter with a default
func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// parseCSVParam splits a comma-separated query parameter
func parseCSVParam(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// timelineHandler serves GET /v1/timeline?kinds=1&authors=...&relays=...&limit=20
func (s *Services) timelineHandler(w http.ResponseWriter, r *http.Request) {
	filter := types.Filter{
		Authors: parseCSVParam(r, "authors"),
	}
	for _, raw := range parseCSVParam(r, "kinds") {
		kind, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid kind: "+raw)
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	if len(filter.Kinds) == 0 {
		filter.Kinds = []int{1}
	}

	relays := parseCSVParam(r, "relays")
	if len(relays) == 0 {
		relays = config.GetDefaultRelays()
	}
	var normalized []string
	for _, raw := range relays {
		url := nostr.NormalizeRelayURL(raw)
		if url == "" {
			writeError(w, http.StatusBadRequest, "invalid relay url: "+raw)
			return
		}
		normalized = append(normalized, url)
	}

	limit := parseIntParam(r, "limit", s.cfg.DefaultLimit)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PageTimeout)
	defer cancel()

	requests := []TimelineRequest{{Relays: normalized, Filter: filter}}
	events, key, err := s.Timelines.FetchTimelinePage(ctx, requests, limit)
	if err != nil {
		LoggerFromContext(r.Context()).Warn("timeline fetch failed", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"count":  len(events),
		"events": events,
	})
}

// timelineMoreHandler serves GET /v1/timeline/more?key=...&until=...&limit=20
func (s *Services) timelineMoreHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	until, err := strconv.ParseInt(r.URL.Query().Get("until"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "until must be a unix timestamp")
		return
	}
	limit := parseIntParam(r, "limit", s.cfg.DefaultLimit)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PageTimeout)
	defer cancel()

	events, err := s.Timelines.LoadMoreTimeline(ctx, key, until, limit)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"count":  len(events),
		"events": events,
	})
}

// publishHandler serves POST /v1/publish: a pre-signed event is relayed
// to the publish relay set, running the NIP-42 handshake when a relay
// demands it.
func (s *Services) publishHandler(w http.ResponseWriter, r *http.Request) {
	var evt types.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event JSON")
		return
	}
	if evt.ID == "" || evt.Sig == "" {
		writeError(w, http.StatusBadRequest, "event must be signed")
		return
	}
	if !nostr.ValidateEventSignature(&evt) {
		writeError(w, http.StatusBadRequest, "invalid event signature")
		return
	}

	relays := parseCSVParam(r, "relays")
	if len(relays) == 0 {
		relays = config.GetPublishRelays()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PageTimeout)
	defer cancel()

	var accepted, failed []string
	for _, raw := range relays {
		url := nostr.NormalizeRelayURL(raw)
		if url == "" {
			failed = append(failed, raw+": invalid url")
			continue
		}
		err := s.Auth.WithAuthRetry(ctx, url, func(ctx context.Context) error {
			return s.Pool.Publish(ctx, url, evt)
		})
		if err != nil {
			failed = append(failed, url+": "+err.Error())
			continue
		}
		accepted = append(accepted, url)
	}

	s.Store.Put(evt)
	s.Profiles.PrimeFromEvent(evt)

	status := http.StatusOK
	if len(accepted) == 0 {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{
		"id":       evt.ID,
		"accepted": accepted,
		"failed":   failed,
	})
}

// profileHandler serves GET /v1/profile/{pubkey}
func (s *Services) profileHandler(w http.ResponseWriter, r *http.Request) {
	pubkey := strings.ToLower(mux.Vars(r)["pubkey"])
	if len(pubkey) != 64 {
		writeError(w, http.StatusBadRequest, "pubkey must be 64 hex characters")
		return
	}
	skipCache := r.URL.Query().Get("skip_cache") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProfileTimeout+time.Second)
	defer cancel()

	data := s.Profiles.FetchProfile(ctx, pubkey, skipCache)
	if data.Event == nil && data.Metadata == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// eventHintsHandler serves GET /v1/events/{id}/hints, the relays an event
// has been seen on
func (s *Services) eventHintsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hints := s.SeenOn.Hints(id)
	if len(hints) == 0 {
		if _, ok := s.Store.Get(id); !ok {
			writeError(w, http.StatusNotFound, "unknown event")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"relays": hints,
	})
}
