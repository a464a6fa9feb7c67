// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

// Instance responses carry the secret only as a presence marker; the stored
// ciphertext never leaves the server.
type arrInstanceResponse struct {
	*models.ArrInstance
	APIKey string `json:"apiKey"`
}

func newArrInstanceResponse(instance *models.ArrInstance) arrInstanceResponse {
	return arrInstanceResponse{
		ArrInstance: instance,
		APIKey:      domain.RedactString(instance.APIKeyEncrypted),
	}
}

type clientInstanceResponse struct {
	*models.ClientInstance
	Password string `json:"password"`
}

func newClientInstanceResponse(instance *models.ClientInstance) clientInstanceResponse {
	return clientInstanceResponse{
		ClientInstance: instance,
		Password:       domain.RedactString(instance.PasswordEncrypted),
	}
}

type InstancesHandler struct {
	arrStore    *models.ArrInstanceStore
	clientStore *models.ClientInstanceStore
}

func NewInstancesHandler(arrStore *models.ArrInstanceStore, clientStore *models.ClientInstanceStore) *InstancesHandler {
	return &InstancesHandler{
		arrStore:    arrStore,
		clientStore: clientStore,
	}
}

func (h *InstancesHandler) Routes(r chi.Router) {
	r.Route("/instances", func(r chi.Router) {
		r.Route("/arr", func(r chi.Router) {
			r.Get("/", h.ListArrInstances)
			r.Post("/", h.CreateArrInstance)
			r.Put("/{instanceID}/status", h.UpdateArrInstanceStatus)
			r.Delete("/{instanceID}", h.DeleteArrInstance)
		})
		r.Route("/client", func(r chi.Router) {
			r.Get("/", h.ListClientInstances)
			r.Post("/", h.CreateClientInstance)
			r.Delete("/{instanceID}", h.DeleteClientInstance)
		})
	})
}

func (h *InstancesHandler) ListArrInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.arrStore.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list arr instances")
		RespondError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	responses := make([]arrInstanceResponse, 0, len(instances))
	for _, instance := range instances {
		responses = append(responses, newArrInstanceResponse(instance))
	}

	RespondJSON(w, http.StatusOK, responses)
}

type createArrInstanceRequest struct {
	Name   string         `json:"name"`
	Kind   models.ArrKind `json:"kind"`
	Host   string         `json:"host"`
	APIKey string         `json:"apiKey"`
}

func (h *InstancesHandler) CreateArrInstance(w http.ResponseWriter, r *http.Request) {
	var req createArrInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "Name is required")
		return
	}
	if req.Kind != models.ArrKindSonarr && req.Kind != models.ArrKindRadarr {
		RespondError(w, http.StatusBadRequest, "Kind must be sonarr or radarr")
		return
	}

	instance, err := h.arrStore.Create(r.Context(), req.Name, req.Kind, req.Host, req.APIKey)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("failed to create arr instance")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusCreated, newArrInstanceResponse(instance))
}

type updateInstanceStatusRequest struct {
	IsActive bool `json:"isActive"`
}

func (h *InstancesHandler) UpdateArrInstanceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "instanceID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid instance ID")
		return
	}

	var req updateInstanceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.arrStore.SetActive(r.Context(), id, req.IsActive); err != nil {
		if errors.Is(err, models.ErrArrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("id", id).Msg("failed to update arr instance status")
		RespondError(w, http.StatusInternalServerError, "Failed to update instance")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"isActive": req.IsActive})
}

func (h *InstancesHandler) DeleteArrInstance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "instanceID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid instance ID")
		return
	}

	if err := h.arrStore.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrArrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("id", id).Msg("failed to delete arr instance")
		RespondError(w, http.StatusInternalServerError, "Failed to delete instance")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *InstancesHandler) ListClientInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.clientStore.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list client instances")
		RespondError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	responses := make([]clientInstanceResponse, 0, len(instances))
	for _, instance := range instances {
		responses = append(responses, newClientInstanceResponse(instance))
	}

	RespondJSON(w, http.StatusOK, responses)
}

type createClientInstanceRequest struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Host          string `json:"host"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	TLSSkipVerify bool   `json:"tlsSkipVerify"`
}

func (h *InstancesHandler) CreateClientInstance(w http.ResponseWriter, r *http.Request) {
	var req createClientInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "Name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = "qbittorrent"
	}

	instance, err := h.clientStore.Create(r.Context(), req.Name, req.Kind, req.Host, req.Username, req.Password, req.TLSSkipVerify)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("failed to create client instance")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusCreated, newClientInstanceResponse(instance))
}

func (h *InstancesHandler) DeleteClientInstance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "instanceID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid instance ID")
		return
	}

	if err := h.clientStore.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrClientInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("id", id).Msg("failed to delete client instance")
		RespondError(w, http.StatusInternalServerError, "Failed to delete instance")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
