// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// JobRunner is one schedulable cleaning pass. A trigger while a pass is
// already running is a no-op inside RunOnce.
type JobRunner interface {
	RunOnce(ctx context.Context) error
}

type JobsHandler struct {
	runners map[string]JobRunner
}

func NewJobsHandler(runners map[string]JobRunner) *JobsHandler {
	return &JobsHandler{runners: runners}
}

func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/jobs/{jobName}/run", h.TriggerJob)
}

func (h *JobsHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobName")
	runner, ok := h.runners[name]
	if !ok {
		RespondError(w, http.StatusNotFound, "Unknown job")
		return
	}

	// The pass outlives the request; failures land in the job-run record.
	go func() {
		if err := runner.RunOnce(context.Background()); err != nil {
			log.Error().Err(err).Str("job", name).Msg("Manually triggered pass failed")
		}
	}()

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}
