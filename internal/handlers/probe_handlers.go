package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"probefleet/internal/association"
	"probefleet/internal/exporter"
	"probefleet/internal/identity"
	"probefleet/internal/models"
)

// ProbeView is a probe as the owner sees it
type ProbeView struct {
	models.Probe
	MAC              string              `json:"mac"`
	AssociationState association.State  `json:"association_state"`
	PeriodEnds       time.Time           `json:"association_period_end"`
	Status           models.DeviceStatus `json:"status"`
}

func (h *Handler) view(p models.Probe, st models.DeviceStatus) ProbeView {
	return ProbeView{
		Probe:            p,
		MAC:              identity.DisplayForm(p.CustomID),
		AssociationState: h.handshake.State(p),
		PeriodEnds:       p.AssociatedAt.Add(h.handshake.Period()),
		Status:           st,
	}
}

// RegisterKeyHandler is called by a probe to register its user and host key.
// The body is the reason code.
func (h *Handler) RegisterKeyHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	err := h.handshake.RegisterKeys(r.Context(), r.FormValue("mac"), r.FormValue("pub_key"), r.FormValue("host_key"))
	reason := association.Reason(err)
	if reason == association.ReasonInternalError {
		h.logger.Error("registering probe keys", "path", r.URL.Path, "mac", r.FormValue("mac"), "error", err)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(reasonStatus(reason))
	fmt.Fprint(w, reason)
}

// GetPortHandler returns the tunnel port of a registered probe, or a reason code
func (h *Handler) GetPortHandler(w http.ResponseWriter, r *http.Request) {
	port, err := h.handshake.Port(r.Context(), mux.Vars(r)["mac"])
	body := port
	if err != nil {
		body = association.Reason(err)
		if body == association.ReasonInternalError {
			h.logger.Error("looking up probe port", "path", r.URL.Path, "error", err)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(reasonStatus(association.Reason(err)))
	fmt.Fprint(w, body)
}

// ProbesHandler lists the owner's probes with their latest push status
func (h *Handler) ProbesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := ownerFrom(r)

	probes, err := h.store.GetProbesByUser(ctx, owner.ID)
	if err != nil {
		h.serverError(w, r, "listing probes", err)
		return
	}

	snap, err := h.tracker.Status(ctx, owner.Username, false)
	if err != nil {
		h.logger.Warn("reading push status", "owner", owner.Username, "error", err)
	}

	views := make([]ProbeView, 0, len(probes))
	for _, p := range probes {
		if p.Scripts, err = h.store.GetScripts(ctx, p.ID); err != nil {
			h.serverError(w, r, "loading scripts", err)
			return
		}
		if p.Networks, err = h.store.GetNetworkConfigs(ctx, p.ID); err != nil {
			h.serverError(w, r, "loading network configs", err)
			return
		}
		views = append(views, h.view(p, snap.Device(p.CustomID)))
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateProbeHandler registers a new probe. It is seeded with the owner's
// default scripts and its association period starts immediately.
func (h *Handler) CreateProbeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	owner := ownerFrom(r)

	scripts, err := h.exporter.LoadGroupDefaults(owner.Username)
	if err != nil {
		h.logger.Warn("ignoring default script configs", "owner", owner.Username, "error", err)
		scripts = nil
	}

	p, err := h.allocator.Create(r.Context(), models.Probe{
		UserID:        owner.ID,
		Name:          r.FormValue("name"),
		CustomID:      r.FormValue("mac"),
		Location:      r.FormValue("location"),
		ContactPerson: r.FormValue("contact_person"),
		ContactEmail:  r.FormValue("contact_email"),
		Scripts:       scripts,
	})
	if err != nil {
		reason := association.Reason(err)
		if reason == association.ReasonInternalError {
			h.serverError(w, r, "creating probe", err)
			return
		}
		http.Error(w, reason, reasonStatus(reason))
		return
	}

	writeJSON(w, http.StatusCreated, h.view(p, models.StatusUnknown))
}

// UpdateProbeHandler changes the descriptive fields of a probe. Fields
// missing from the form keep their value.
func (h *Handler) UpdateProbeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProbe(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	oldID := p.CustomID
	update := p
	for field, dst := range map[string]*string{
		"name":           &update.Name,
		"mac":            &update.CustomID,
		"location":       &update.Location,
		"contact_person": &update.ContactPerson,
		"contact_email":  &update.ContactEmail,
	} {
		if _, set := r.PostForm[field]; set {
			*dst = r.PostFormValue(field)
		}
	}

	updated, err := h.allocator.Update(r.Context(), oldID, update)
	if errors.Is(err, identity.ErrDuplicateOrInvalidIdentity) {
		http.Error(w, association.ReasonInvalidMAC, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.serverError(w, r, "updating probe", err)
		return
	}

	if updated.CustomID != oldID {
		if err := h.exporter.RemoveProbe(oldID); err != nil {
			h.logger.Warn("removing stale probe configs", "probe", oldID, "error", err)
		}
		h.logger.Info("probe renamed", "probe", oldID, "new_id", updated.CustomID)
	}

	writeJSON(w, http.StatusOK, h.view(updated, models.StatusUnknown))
}

// DeleteProbeHandler removes a probe with its scripts, credentials and config tree
func (h *Handler) DeleteProbeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProbe(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteProbe(r.Context(), p.CustomID); err != nil {
		h.serverError(w, r, "deleting probe", err)
		return
	}
	if err := h.exporter.RemoveProbe(p.CustomID); err != nil {
		h.logger.Warn("removing probe configs", "probe", p.CustomID, "error", err)
	}
	h.republish(r)

	h.logger.Info("probe deleted", "owner", ownerFrom(r).Username, "probe", p.CustomID, "port", p.Port)
	w.WriteHeader(http.StatusNoContent)
}

// RenewHandler re-opens the association period of a probe
func (h *Handler) RenewHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProbe(w, r)
	if !ok {
		return
	}

	if err := h.handshake.Renew(r.Context(), p.CustomID); err != nil {
		h.serverError(w, r, "renewing association", err)
		return
	}

	renewed, err := h.store.GetProbe(r.Context(), p.CustomID)
	if err != nil {
		h.serverError(w, r, "loading probe", err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(renewed, models.StatusUnknown))
}

// UpdateScriptsHandler replaces the script set of a probe with the JSON
// list in the body
func (h *Handler) UpdateScriptsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProbe(w, r)
	if !ok {
		return
	}

	var configs []exporter.ScriptConfig
	if err := json.NewDecoder(r.Body).Decode(&configs); err != nil {
		http.Error(w, "Invalid script list", http.StatusBadRequest)
		return
	}

	scripts := make([]models.Script, 0, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		scripts = append(scripts, c.Script())
	}

	if err := h.store.ReplaceScripts(r.Context(), p.ID, scripts); err != nil {
		h.serverError(w, r, "saving scripts", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveDefaultScriptsHandler stores the probe's script set as the owner's
// default for new probes
func (h *Handler) SaveDefaultScriptsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProbe(w, r)
	if !ok {
		return
	}

	scripts, err := h.store.GetScripts(r.Context(), p.ID)
	if err != nil {
		h.serverError(w, r, "loading scripts", err)
		return
	}
	if err := h.exporter.WriteGroupDefaults(ownerFrom(r).Username, scripts); err != nil {
		h.serverError(w, r, "writing default scripts", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var validBands = map[string]bool{"two_g": true, "five_g": true}

// NetworkConfigHandler saves the WiFi credentials of one band of a probe
func (h *Handler) NetworkConfigHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProbe(w, r)
	if !ok {
		return
	}
	band := mux.Vars(r)["band"]
	if !validBands[band] {
		http.Error(w, "Unknown band", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	err := h.store.SaveNetworkConfig(r.Context(), models.NetworkConfig{
		ProbeID:     p.ID,
		Name:        band,
		SSID:        r.FormValue("ssid"),
		AnonymousID: r.FormValue("anonymous_id"),
		Username:    r.FormValue("username"),
		Password:    r.FormValue("password"),
	})
	if err != nil {
		h.serverError(w, r, "saving network config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var validDatabaseTypes = map[string]bool{"influx": true, "elastic": true}

// DatabaseConfigHandler saves the owner's credentials for one results database
func (h *Handler) DatabaseConfigHandler(w http.ResponseWriter, r *http.Request) {
	dbType := mux.Vars(r)["type"]
	if !validDatabaseTypes[dbType] {
		http.Error(w, "Unknown database type", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	err := h.store.SaveDatabaseConfig(r.Context(), models.DatabaseConfig{
		UserID:   ownerFrom(r).ID,
		Type:     dbType,
		DBName:   r.FormValue("db_name"),
		Address:  r.FormValue("address"),
		Port:     r.FormValue("port"),
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
		Token:    r.FormValue("token"),
	})
	if err != nil {
		h.serverError(w, r, "saving database config", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
