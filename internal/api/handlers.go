package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pedrofnts/queue-consumer/internal/broker"
	"github.com/pedrofnts/queue-consumer/internal/delivery"
	"github.com/pedrofnts/queue-consumer/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth implements GET /health: 200 if Link.Healthy reports the
// connection open with a channel opened on it, 503 otherwise.
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Link.Healthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
}

type businessHoursBody struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type consumeRequest struct {
	Queue         string             `json:"queue"`
	Webhook       string             `json:"webhook"`
	MinInterval   *int               `json:"minInterval"`
	MaxInterval   *int               `json:"maxInterval"`
	BusinessHours *businessHoursBody `json:"businessHours"`
}

func (req consumeRequest) toSpec(defaultMinIntervalMs, defaultMaxIntervalMs int) model.ConsumerSpec {
	spec := model.ConsumerSpec{Queue: req.Queue, Webhook: req.Webhook}
	if req.MinInterval != nil {
		spec.MinIntervalMs = *req.MinInterval
	}
	if req.MaxInterval != nil {
		spec.MaxIntervalMs = *req.MaxInterval
	}
	if req.BusinessHours != nil {
		spec.BusinessHoursStart = req.BusinessHours.Start
		spec.BusinessHoursEnd = req.BusinessHours.End
	}
	model.ApplyDefaults(&spec, defaultMinIntervalMs, defaultMaxIntervalMs)
	return spec
}

// handleConsume implements POST /consume: validate, persist, and start a
// new consumer. spec.md §6: "400 invalid queue/webhook; 400 already
// consuming; 500 broker/Store error".
func (h *handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	spec := req.toSpec(h.DefaultMinIntervalMs, h.DefaultMaxIntervalMs)
	if err := spec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, ok := h.Registry.Get(spec.Queue); ok {
		writeError(w, http.StatusBadRequest, "queue is already being consumed")
		return
	}

	if err := h.Store.Upsert(spec); err != nil {
		log.Fatal().Err(err).Str("queue", spec.Queue).Msg("config store upsert failed on consume")
		return
	}

	tag := broker.NewConsumerTag()
	rc := model.FromSpec(spec, tag, h.Epoch.Current())

	if err := h.Loop.Start(h.Ctx, rc); err != nil {
		_ = h.Store.Delete(spec.Queue)
		if errors.Is(err, broker.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "queue does not exist")
			return
		}
		log.Error().Err(err).Str("queue", spec.Queue).Msg("failed to start consumer")
		writeError(w, http.StatusInternalServerError, "failed to start consumer")
		return
	}

	writeJSON(w, http.StatusCreated, spec)
}

type activeQueueResponse struct {
	Queue               string `json:"queue"`
	MessageCount        int    `json:"messageCount"`
	AvgIntervalSeconds   float64 `json:"avgIntervalSeconds"`
	EstimatedCompletion string `json:"estimatedCompletion"`
	Error               string `json:"error,omitempty"`
}

// handleActiveQueues implements GET /active-queues: a snapshot of the
// Registry enriched with the broker's current message count and a
// pause/hours-agnostic completion estimate (spec.md §6: "Estimate
// ignores pause and hours gates").
func (h *handler) handleActiveQueues(w http.ResponseWriter, r *http.Request) {
	snapshot := h.Registry.Snapshot()
	out := make([]activeQueueResponse, 0, len(snapshot))

	for _, rc := range snapshot {
		avgSeconds := float64(rc.MinIntervalMs+rc.MaxIntervalMs) / 2 / 1000

		info, err := h.Link.CheckQueue(rc.Queue)
		if err != nil {
			out = append(out, activeQueueResponse{Queue: rc.Queue, Error: err.Error()})
			continue
		}

		estimate := formatDuration(float64(info.MessageCount) * avgSeconds)
		out = append(out, activeQueueResponse{
			Queue:               rc.Queue,
			MessageCount:        info.MessageCount,
			AvgIntervalSeconds:  avgSeconds,
			EstimatedCompletion: estimate,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

type queueInfoResponse struct {
	MessageCount  int  `json:"messageCount"`
	ConsumerCount int  `json:"consumerCount"`
	IsActive      bool `json:"isActive"`
}

func (h *handler) queueInfo(queue string) (queueInfoResponse, error) {
	info, err := h.Link.CheckQueue(queue)
	if err != nil {
		return queueInfoResponse{}, err
	}
	_, active := h.Registry.Get(queue)
	return queueInfoResponse{
		MessageCount:  info.MessageCount,
		ConsumerCount: info.ConsumerCount,
		IsActive:      active,
	}, nil
}

// handleQueueInfo implements GET /queue-info/:queue.
func (h *handler) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")

	info, err := h.queueInfo(queue)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			writeError(w, http.StatusNotFound, "queue not found")
			return
		}
		log.Error().Err(err).Str("queue", queue).Msg("queue info lookup failed")
		writeError(w, http.StatusInternalServerError, "queue info lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

type queuesInfoRequest struct {
	Queues []string `json:"queues"`
}

type queuesInfoItem struct {
	Queue         string `json:"queue"`
	MessageCount  int    `json:"messageCount,omitempty"`
	ConsumerCount int    `json:"consumerCount,omitempty"`
	IsActive      bool   `json:"isActive,omitempty"`
	Error         string `json:"error,omitempty"`
}

// handleQueuesInfo implements POST /queues-info: a best-effort batch of
// handleQueueInfo, one element per requested queue with a per-element
// "error" field rather than failing the whole request.
func (h *handler) handleQueuesInfo(w http.ResponseWriter, r *http.Request) {
	var req queuesInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out := make([]queuesInfoItem, 0, len(req.Queues))
	for _, queue := range req.Queues {
		info, err := h.queueInfo(queue)
		if err != nil {
			out = append(out, queuesInfoItem{Queue: queue, Error: err.Error()})
			continue
		}
		out = append(out, queuesInfoItem{
			Queue:         queue,
			MessageCount:  info.MessageCount,
			ConsumerCount: info.ConsumerCount,
			IsActive:      info.IsActive,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

type queueRequest struct {
	Queue string `json:"queue"`
}

// handlePause implements POST /pause.
func (h *handler) handlePause(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rc, ok := h.Registry.Get(req.Queue)
	if !ok {
		writeError(w, http.StatusNotFound, "queue is not being consumed")
		return
	}
	if rc.Paused {
		writeError(w, http.StatusBadRequest, "queue is already paused")
		return
	}

	if err := h.Store.SetPaused(req.Queue, true); err != nil {
		log.Fatal().Err(err).Str("queue", req.Queue).Msg("config store pause failed")
		return
	}
	h.Registry.SetPaused(req.Queue, true)

	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// handleResume implements POST /resume.
func (h *handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rc, ok := h.Registry.Get(req.Queue)
	if !ok {
		writeError(w, http.StatusNotFound, "queue is not being consumed")
		return
	}
	if !rc.Paused {
		writeError(w, http.StatusBadRequest, "queue is not paused")
		return
	}

	if err := h.Store.SetPaused(req.Queue, false); err != nil {
		log.Fatal().Err(err).Str("queue", req.Queue).Msg("config store resume failed")
		return
	}
	h.Registry.SetPaused(req.Queue, false)

	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleStop implements POST /stop.
func (h *handler) handleStop(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Loop.Stop(r.Context(), req.Queue); err != nil {
		if errors.Is(err, delivery.ErrNotConsuming) {
			writeError(w, http.StatusNotFound, "queue is not being consumed")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to stop consumer")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// formatDuration renders a second count as "Hh Mm Ss", spec.md §6's
// estimatedCompletion format.
func formatDuration(totalSeconds float64) string {
	total := int(totalSeconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}
