package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"probefleet/internal/association"
	"probefleet/internal/identity"
	"probefleet/internal/models"
	"probefleet/internal/push"
)

type pushResponse struct {
	push.Result
	Reason string `json:"reason"`
}

// PushHandler starts a configuration run for the owner's probes. A run
// already in flight is reported, never queued.
func (h *Handler) PushHandler(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r).Username

	res, err := h.pushes.Push(r.Context(), owner)
	switch {
	case errors.Is(err, push.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, pushResponse{Result: res, Reason: push.ReasonAlreadyRunning})
		return
	case errors.Is(err, push.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, pushResponse{Result: res, Reason: push.ReasonRateLimited})
		return
	case err != nil:
		h.serverError(w, r, "pushing configuration", err)
		return
	}

	// Supersede whatever the cache says about the previous run.
	if _, err := h.tracker.Status(r.Context(), owner, true); err != nil {
		h.logger.Warn("refreshing push status", "owner", owner, "error", err)
	}

	reason := push.ReasonStarted
	if !res.Started {
		reason = push.ReasonSpawnFailed
	}
	writeJSON(w, http.StatusAccepted, pushResponse{Result: res, Reason: reason})
}

type statusResponse struct {
	Run     models.RunStatus               `json:"run"`
	Devices map[string]models.DeviceStatus `json:"devices"`
}

// StatusHandler reports whether the owner's run is in flight. force=1
// bypasses the cache.
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := h.tracker.Status(r.Context(), ownerFrom(r).Username, r.URL.Query().Get("force") == "1")
	if err != nil {
		h.serverError(w, r, "reading push status", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Run: snap.Run, Devices: snap.Devices})
}

// DeviceStatusHandler reports the outcome of the latest run for one probe
func (h *Handler) DeviceStatusHandler(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	if !identity.ValidMAC(mac) {
		http.Error(w, association.ReasonInvalidMAC, http.StatusBadRequest)
		return
	}

	st, err := h.tracker.DeviceStatus(r.Context(), ownerFrom(r).Username, mac, r.URL.Query().Get("force") == "1")
	if err != nil {
		h.serverError(w, r, "reading push status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"mac":    identity.DisplayForm(mac),
		"status": string(st),
	})
}
