// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

// DownloadsHandler exposes the persisted strike ledger for reporting.
type DownloadsHandler struct {
	items *models.DownloadItemStore
	runs  *models.JobRunStore
}

func NewDownloadsHandler(items *models.DownloadItemStore, runs *models.JobRunStore) *DownloadsHandler {
	return &DownloadsHandler{
		items: items,
		runs:  runs,
	}
}

func (h *DownloadsHandler) Routes(r chi.Router) {
	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.ListDownloads)
		r.Get("/{hash}/strikes", h.ListStrikes)
	})

	r.Get("/job-runs", h.ListJobRuns)

	r.Post("/maintenance/purge-strikes", h.PurgeStrikes)
}

func (h *DownloadsHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	items, err := h.items.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list download items")
		RespondError(w, http.StatusInternalServerError, "Failed to list downloads")
		return
	}

	RespondJSON(w, http.StatusOK, items)
}

func (h *DownloadsHandler) ListStrikes(w http.ResponseWriter, r *http.Request) {
	hash := domain.NormalizeHash(chi.URLParam(r, "hash"))
	if hash == "" {
		RespondError(w, http.StatusBadRequest, "Invalid hash")
		return
	}

	item, err := h.items.GetByHash(r.Context(), hash)
	if err != nil {
		if errors.Is(err, models.ErrDownloadItemNotFound) {
			RespondError(w, http.StatusNotFound, "Download not found")
			return
		}
		log.Error().Err(err).Str("hash", hash).Msg("failed to load download item")
		RespondError(w, http.StatusInternalServerError, "Failed to load download")
		return
	}

	strikes, err := h.items.ListStrikes(r.Context(), hash)
	if err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("failed to list strikes")
		RespondError(w, http.StatusInternalServerError, "Failed to list strikes")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"download": item,
		"strikes":  strikes,
	})
}

func (h *DownloadsHandler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			RespondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list job runs")
		RespondError(w, http.StatusInternalServerError, "Failed to list job runs")
		return
	}

	RespondJSON(w, http.StatusOK, runs)
}

// PurgeStrikes drops all strikes and the download items orphaned by that,
// the maintenance reset for the whole ledger.
func (h *DownloadsHandler) PurgeStrikes(w http.ResponseWriter, r *http.Request) {
	purged, err := h.items.PurgeAll(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to purge strikes")
		RespondError(w, http.StatusInternalServerError, "Failed to purge strikes")
		return
	}

	log.Info().Int64("purged", purged).Msg("Purged strike ledger")
	RespondJSON(w, http.StatusOK, map[string]int64{"purged": purged})
}
