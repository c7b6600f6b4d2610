package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"probefleet/internal/association"
	"probefleet/internal/db"
	"probefleet/internal/exporter"
	"probefleet/internal/identity"
	"probefleet/internal/metrics"
	"probefleet/internal/models"
	"probefleet/internal/push"
	"probefleet/internal/status"
)

// OwnerHeader carries the authenticated username set by the fronting proxy
const OwnerHeader = "X-Remote-User"

type ctxKey int

const ownerKey ctxKey = iota

// Handler serves the fleet HTTP API
type Handler struct {
	store     *db.Store
	allocator *identity.Allocator
	handshake *association.Service
	exporter  *exporter.Exporter
	hostKeys  *exporter.HostKeyRegistry
	pushes    *push.Orchestrator
	tracker   *status.Tracker
	logger    *slog.Logger
}

// Deps are the collaborators a Handler serves requests with
type Deps struct {
	Store     *db.Store
	Allocator *identity.Allocator
	Handshake *association.Service
	Exporter  *exporter.Exporter
	HostKeys  *exporter.HostKeyRegistry
	Pushes    *push.Orchestrator
	Tracker   *status.Tracker
	Logger    *slog.Logger
}

func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     d.Store,
		allocator: d.Allocator,
		handshake: d.Handshake,
		exporter:  d.Exporter,
		hostKeys:  d.HostKeys,
		pushes:    d.Pushes,
		tracker:   d.Tracker,
		logger:    logger,
	}
}

// Routes builds the router. Probe-facing routes are unauthenticated; owner
// routes require OwnerHeader.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()

	// Probe facing
	r.HandleFunc("/register_key", h.RegisterKeyHandler).Methods("POST")
	r.HandleFunc("/get_port/{mac}", h.GetPortHandler).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	owner := r.NewRoute().Subrouter()
	owner.Use(h.requireOwner)
	owner.HandleFunc("/probes", h.ProbesHandler).Methods("GET")
	owner.HandleFunc("/probes", h.CreateProbeHandler).Methods("POST")
	owner.HandleFunc("/probes/{mac}", h.UpdateProbeHandler).Methods("POST")
	owner.HandleFunc("/probes/{mac}", h.DeleteProbeHandler).Methods("DELETE")
	owner.HandleFunc("/probes/{mac}/renew", h.RenewHandler).Methods("POST")
	owner.HandleFunc("/probes/{mac}/scripts", h.UpdateScriptsHandler).Methods("POST")
	owner.HandleFunc("/probes/{mac}/scripts/default", h.SaveDefaultScriptsHandler).Methods("POST")
	owner.HandleFunc("/probes/{mac}/networks/{band}", h.NetworkConfigHandler).Methods("POST")
	owner.HandleFunc("/databases/{type}", h.DatabaseConfigHandler).Methods("POST")
	owner.HandleFunc("/push", h.PushHandler).Methods("POST")
	owner.HandleFunc("/status", h.StatusHandler).Methods("GET")
	owner.HandleFunc("/status/{mac}", h.DeviceStatusHandler).Methods("GET")
	owner.HandleFunc("/export/excel", h.ExportExcelHandler).Methods("GET")

	admin := owner.PathPrefix("/admin").Subrouter()
	admin.Use(requireAdmin)
	admin.HandleFunc("/backup", h.BackupDBHandler).Methods("GET")
	admin.HandleFunc("/users", h.CreateUserHandler).Methods("POST")
	admin.HandleFunc("/users/{username}", h.DeleteUserHandler).Methods("DELETE")

	return r
}

// requireOwner resolves the owner named by OwnerHeader. An owner seen for
// the first time is created, as the proxy has already authenticated them.
func (h *Handler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(OwnerHeader)
		if name == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := h.store.GetUser(r.Context(), name)
		if errors.Is(err, db.ErrNotFound) {
			user, err = h.store.CreateUser(r.Context(), name, false)
			if err == nil {
				h.logger.Info("owner created on first login", "owner", name)
			}
		}
		if errors.Is(err, db.ErrInvalidUsername) {
			http.Error(w, "Invalid username", http.StatusBadRequest)
			return
		}
		if err != nil {
			h.logger.Error("resolving owner", "path", r.URL.Path, "owner", name, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, user)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ownerFrom(r).Admin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ownerFrom(r *http.Request) models.User {
	u, _ := r.Context().Value(ownerKey).(models.User)
	return u
}

// ownedProbe loads the probe named by the {mac} route variable. Probes of
// other owners are reported as not found.
func (h *Handler) ownedProbe(w http.ResponseWriter, r *http.Request) (models.Probe, bool) {
	mac := mux.Vars(r)["mac"]
	if !identity.ValidMAC(mac) {
		http.Error(w, association.ReasonInvalidMAC, http.StatusBadRequest)
		return models.Probe{}, false
	}

	p, err := h.store.GetProbe(r.Context(), identity.StorageForm(mac))
	if errors.Is(err, db.ErrNotFound) || (err == nil && p.UserID != ownerFrom(r).ID) {
		http.Error(w, association.ReasonUnknownMAC, http.StatusNotFound)
		return models.Probe{}, false
	}
	if err != nil {
		h.serverError(w, r, "loading probe", err)
		return models.Probe{}, false
	}
	return p, true
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "path", r.URL.Path, "owner", ownerFrom(r).Username, "error", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// republish rewrites known_hosts after a probe's keys or port left the fleet
func (h *Handler) republish(r *http.Request) {
	if err := h.hostKeys.Publish(r.Context()); err != nil {
		h.logger.Error("publishing host key registry", "path", r.URL.Path, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// reasonStatus maps a reason code to the HTTP status it is served with
func reasonStatus(reason string) int {
	switch reason {
	case association.ReasonSuccess:
		return http.StatusOK
	case association.ReasonInvalidMAC, association.ReasonInvalidPubKey, association.ReasonInvalidHostKey:
		return http.StatusBadRequest
	case association.ReasonUnknownMAC:
		return http.StatusNotFound
	case association.ReasonNoRegisteredKey, association.ReasonAlreadyRegistered,
		association.ReasonPeriodExpired, association.ReasonPortSpaceExhausted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
