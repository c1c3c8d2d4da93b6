// Package httpapi wires the device-facing and operator-facing HTTP surface:
// /register and /home for agents, plus CRUD and download/package routes for
// operator tooling.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/teton-ai/fleet/internal/server/catalog"
	"github.com/teton-ai/fleet/internal/server/deployment"
	"github.com/teton-ai/fleet/internal/server/objectstore"
	"github.com/teton-ai/fleet/internal/server/queue"
	"github.com/teton-ai/fleet/internal/server/registry"
	"github.com/teton-ai/fleet/internal/wire"
)

type API struct {
	log      *slog.Logger
	registry *registry.Registry
	queue    *queue.Queue
	catalog  *catalog.Catalog
	deploy   *deployment.Deployment
	objects  *objectstore.Store
}

func New(log *slog.Logger, reg *registry.Registry, q *queue.Queue, cat *catalog.Catalog, dep *deployment.Deployment, objs *objectstore.Store) *API {
	return &API{log: log, registry: reg, queue: q, catalog: cat, deploy: dep, objects: objs}
}

// Mux builds the full route table.
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register", a.handleRegister)
	mux.HandleFunc("POST /home", a.handleHome)

	mux.HandleFunc("POST /deployments", a.handleCreateDeployment)
	mux.HandleFunc("POST /deployments/{id}/check", a.handleCheckDeployment)
	mux.HandleFunc("PATCH /deployments/{id}/status", a.handleSetDeploymentStatus)

	mux.HandleFunc("GET /devices/{id}/commands", a.handleListCommands)
	mux.HandleFunc("POST /devices/{id}/commands", a.handleEnqueueCommands)
	mux.HandleFunc("DELETE /commands/{id}", a.handleCancelCommand)

	mux.HandleFunc("POST /devices/{id}/approve", a.handleApprove)
	mux.HandleFunc("POST /devices/{id}/revoke", a.handleRevoke)
	mux.HandleFunc("POST /devices/{id}/reset-token", a.handleResetToken)

	mux.HandleFunc("GET /releases/{id}/packages", a.handleReleasePackages)
	mux.HandleFunc("GET /download/{path...}", a.handleDownload)
	mux.HandleFunc("GET /package", a.handlePackage)

	return mux
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req wire.DeviceRegistration
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := a.registry.Register(r.Context(), req.SerialNumber, req.WifiMAC)
	switch {
	case errors.Is(err, registry.ErrNotApproved):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not approved"})
	case errors.Is(err, registry.ErrNotNullToken):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "token already issued"})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, wire.DeviceRegistrationResponse{Token: token})
	}
}

func (a *API) handleHome(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
		return
	}
	device, err := a.registry.ValidateToken(r.Context(), token)
	if errors.Is(err, registry.ErrUnauthorized) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var post wire.HomePost
	if err := decodeBody(r, &post); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if len(post.Responses) > 0 {
		if err := a.queue.RecordResponses(r.Context(), device.ID, post.Responses); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	cmds, err := a.queue.Fetch(r.Context(), device.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, wire.HomePostResponse{
		Commands: cmds,
	})
}

func (a *API) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReleaseID int64 `json:"release_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, assigned, err := a.deploy.CreateDeployment(r.Context(), req.ReleaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment_id": id, "assigned_devices": assigned})
}

func (a *API) handleCheckDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	done, err := a.deploy.CheckDone(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"done": done})
}

func (a *API) handleSetDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Status != "failed" && req.Status != "canceled" {
		writeError(w, http.StatusBadRequest, errors.New("httpapi: status must be failed or canceled"))
		return
	}
	if err := a.deploy.SetStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListCommands(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	var startingAfter, endingBefore *int64
	if v := q.Get("starting_after"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		startingAfter = &id
	}
	if v := q.Get("ending_before"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		endingBefore = &id
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	page, err := a.queue.Paginate(r.Context(), deviceID, startingAfter, endingBefore, limit)
	if errors.Is(err, queue.ErrBothCursors) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": page.Commands,
		"has_more_first_id": page.HasPrev,
		"has_more_last_id":  page.HasNext,
	})
}

func (a *API) handleEnqueueCommands(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Commands        []wire.CommandTx `json:"commands"`
		ContinueOnError bool             `json:"continue_on_error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ids, err := a.queue.Enqueue(r.Context(), deviceID, req.Commands, req.ContinueOnError)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command_ids": ids})
}

func (a *API) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	a.deviceAction(w, r, a.registry.Approve)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	a.deviceAction(w, r, a.registry.Revoke)
}

func (a *API) handleResetToken(w http.ResponseWriter, r *http.Request) {
	a.deviceAction(w, r, a.registry.ResetToken)
}

func (a *API) deviceAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, deviceID int64) error) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReleasePackages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pkgs, err := a.catalog.ReleasePackages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	url, err := a.objects.PresignDownload(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Location", url)
	w.WriteHeader(http.StatusFound)
}

func (a *API) handlePackage(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("httpapi: name is required"))
		return
	}
	url, err := a.objects.PresignDownload(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Location", url)
	w.WriteHeader(http.StatusFound)
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

// decodeBody decodes r's JSON body, gunzipping it first when the agent sent
// it with Content-Encoding: gzip (as netclient.SendCompressedPost does).
func decodeBody(r *http.Request, v any) error {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return err
		}
		defer gz.Close()
		body = gz
	}
	return json.NewDecoder(body).Decode(v)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
