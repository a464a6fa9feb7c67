// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/sweeparr/internal/models"
)

type RulesHandler struct {
	store *models.RuleStore
}

func NewRulesHandler(store *models.RuleStore) *RulesHandler {
	return &RulesHandler{store: store}
}

func (h *RulesHandler) Routes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Route("/stall", func(r chi.Router) {
			r.Get("/", h.ListStallRules)
			r.Post("/", h.CreateStallRule)
			r.Delete("/{ruleID}", h.DeleteStallRule)
		})
		r.Route("/slow", func(r chi.Router) {
			r.Get("/", h.ListSlowRules)
			r.Post("/", h.CreateSlowRule)
			r.Delete("/{ruleID}", h.DeleteSlowRule)
		})
		r.Route("/category", func(r chi.Router) {
			r.Get("/", h.ListCategoryRules)
			r.Post("/", h.CreateCategoryRule)
			r.Delete("/{ruleID}", h.DeleteCategoryRule)
		})
	})

	r.Route("/patterns/{kind}", func(r chi.Router) {
		r.Get("/", h.ListPatterns)
		r.Post("/", h.AddPattern)
		r.Delete("/{patternID}", h.DeletePattern)
	})
}

func (h *RulesHandler) ListStallRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListStallRules(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list stall rules")
		RespondError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}
	RespondJSON(w, http.StatusOK, rules)
}

func (h *RulesHandler) CreateStallRule(w http.ResponseWriter, r *http.Request) {
	var rule models.StallRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	created, err := h.store.CreateStallRule(r.Context(), &rule)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondJSON(w, http.StatusCreated, created)
}

func (h *RulesHandler) DeleteStallRule(w http.ResponseWriter, r *http.Request) {
	h.deleteRule(w, r, h.store.DeleteStallRule)
}

func (h *RulesHandler) ListSlowRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListSlowRules(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list slow rules")
		RespondError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}
	RespondJSON(w, http.StatusOK, rules)
}

func (h *RulesHandler) CreateSlowRule(w http.ResponseWriter, r *http.Request) {
	var rule models.SlowRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	created, err := h.store.CreateSlowRule(r.Context(), &rule)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondJSON(w, http.StatusCreated, created)
}

func (h *RulesHandler) DeleteSlowRule(w http.ResponseWriter, r *http.Request) {
	h.deleteRule(w, r, h.store.DeleteSlowRule)
}

func (h *RulesHandler) ListCategoryRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListCategoryRules(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list category rules")
		RespondError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}
	RespondJSON(w, http.StatusOK, rules)
}

func (h *RulesHandler) CreateCategoryRule(w http.ResponseWriter, r *http.Request) {
	var rule models.CategoryRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	created, err := h.store.CreateCategoryRule(r.Context(), &rule)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondJSON(w, http.StatusCreated, created)
}

func (h *RulesHandler) DeleteCategoryRule(w http.ResponseWriter, r *http.Request) {
	h.deleteRule(w, r, h.store.DeleteCategoryRule)
}

func (h *RulesHandler) deleteRule(w http.ResponseWriter, r *http.Request, del func(ctx context.Context, id int) error) {
	id, err := strconv.Atoi(chi.URLParam(r, "ruleID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	if err := del(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrRuleNotFound) {
			RespondError(w, http.StatusNotFound, "Rule not found")
			return
		}
		log.Error().Err(err).Int("id", id).Msg("failed to delete rule")
		RespondError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func patternKindFromURL(r *http.Request) (models.PatternKind, bool) {
	switch chi.URLParam(r, "kind") {
	case string(models.PatternKindBlock):
		return models.PatternKindBlock, true
	case string(models.PatternKindIgnore):
		return models.PatternKindIgnore, true
	default:
		return "", false
	}
}

func (h *RulesHandler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	kind, ok := patternKindFromURL(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Unknown pattern kind")
		return
	}

	patterns, err := h.store.ListPatterns(r.Context(), kind)
	if err != nil {
		log.Error().Err(err).Msg("failed to list patterns")
		RespondError(w, http.StatusInternalServerError, "Failed to list patterns")
		return
	}
	RespondJSON(w, http.StatusOK, patterns)
}

type addPatternRequest struct {
	Pattern string `json:"pattern"`
	IsRegex bool   `json:"isRegex"`
}

func (h *RulesHandler) AddPattern(w http.ResponseWriter, r *http.Request) {
	kind, ok := patternKindFromURL(r)
	if !ok {
		RespondError(w, http.StatusBadRequest, "Unknown pattern kind")
		return
	}

	var req addPatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	pattern, err := h.store.AddPattern(r.Context(), kind, req.Pattern, req.IsRegex)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondJSON(w, http.StatusCreated, pattern)
}

func (h *RulesHandler) DeletePattern(w http.ResponseWriter, r *http.Request) {
	if _, ok := patternKindFromURL(r); !ok {
		RespondError(w, http.StatusBadRequest, "Unknown pattern kind")
		return
	}

	id, err := strconv.Atoi(chi.URLParam(r, "patternID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid pattern ID")
		return
	}

	if err := h.store.DeletePattern(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrRuleNotFound) {
			RespondError(w, http.StatusNotFound, "Pattern not found")
			return
		}
		log.Error().Err(err).Int("id", id).Msg("failed to delete pattern")
		RespondError(w, http.StatusInternalServerError, "Failed to delete pattern")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
