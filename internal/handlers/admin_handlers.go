package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"probefleet/internal/db"
	"probefleet/internal/exporter"
	"probefleet/internal/models"
)

// BackupDBHandler handles downloading a consistent copy of the database
func (h *Handler) BackupDBHandler(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "probefleet-backup")
	if err != nil {
		h.serverError(w, r, "creating backup directory", err)
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, filepath.Base(h.store.Path))
	if err := h.store.Backup(r.Context(), path); err != nil {
		h.serverError(w, r, "backing up database", err)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		h.serverError(w, r, "opening backup", err)
		return
	}
	defer file.Close()

	// Set headers for file download
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(h.store.Path))
	w.Header().Set("Content-Type", "application/x-sqlite3")

	if _, err := io.Copy(w, file); err != nil {
		h.logger.Error("streaming backup", "path", r.URL.Path, "error", err)
	}
}

// CreateUserHandler adds an owner (form username, admin)
func (h *Handler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	u, err := h.store.CreateUser(r.Context(), r.FormValue("username"), r.FormValue("admin") == "on")
	switch {
	case errors.Is(err, db.ErrInvalidUsername):
		http.Error(w, "Invalid username", http.StatusBadRequest)
		return
	case errors.Is(err, db.ErrDuplicateUser):
		http.Error(w, "Username already in use", http.StatusConflict)
		return
	case err != nil:
		h.serverError(w, r, "creating user", err)
		return
	}

	h.logger.Info("user created", "by", ownerFrom(r).Username, "owner", u.Username, "admin", u.Admin)
	writeJSON(w, http.StatusCreated, u)
}

// DeleteUserHandler removes an owner with all probes and credentials
func (h *Handler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := mux.Vars(r)["username"]

	u, err := h.store.GetUser(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, r, "loading user", err)
		return
	}
	probes, err := h.store.GetProbesByUser(ctx, u.ID)
	if err != nil {
		h.serverError(w, r, "listing probes", err)
		return
	}

	if err := h.store.DeleteUser(ctx, username); err != nil {
		h.serverError(w, r, "deleting user", err)
		return
	}
	for _, p := range probes {
		if err := h.exporter.RemoveProbe(p.CustomID); err != nil {
			h.logger.Warn("removing probe configs", "probe", p.CustomID, "error", err)
		}
	}
	h.republish(r)

	h.logger.Info("user deleted", "by", ownerFrom(r).Username, "owner", username, "probes", len(probes))
	w.WriteHeader(http.StatusNoContent)
}

// ExportExcelHandler downloads the fleet as a workbook. Administrators get
// every probe, other owners their own.
func (h *Handler) ExportExcelHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := ownerFrom(r)

	var probes []models.Probe
	owners := []string{owner.Username}
	var err error
	if owner.Admin {
		probes, err = h.store.GetAllProbes(ctx)
		if err == nil {
			owners, err = usernames(h.store, r)
		}
	} else {
		probes, err = h.store.GetProbesByUser(ctx, owner.ID)
	}
	if err != nil {
		h.serverError(w, r, "listing probes", err)
		return
	}

	statuses, err := h.tracker.Statuses(ctx, owners)
	if err != nil {
		h.logger.Warn("reading push status", "error", err)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=probes-"+time.Now().Format("2006-01-02")+".xlsx")
	if err := exporter.WriteFleetWorkbook(w, probes, statuses); err != nil {
		h.logger.Error("writing workbook", "path", r.URL.Path, "error", err)
	}
}

func usernames(store *db.Store, r *http.Request) ([]string, error) {
	users, err := store.GetAllUsers(r.Context())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names, nil
}
