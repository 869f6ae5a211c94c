package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/pony/internal/artifact"
	"github.com/k11v/pony/internal/coordinator"
	"github.com/k11v/pony/internal/result"
)

type handler struct {
	mux         *http.ServeMux
	coordinator *coordinator.Coordinator
}

func newHandler(c *coordinator.Coordinator) *handler {
	mux := http.NewServeMux()
	h := &handler{mux: mux, coordinator: c}

	mux.HandleFunc("GET /health", h.GetHealth)

	mux.HandleFunc("POST /results", h.CreateResult)
	mux.HandleFunc("GET /results/{key}", h.GetResult)
	mux.HandleFunc("GET /results/{key}/files", h.ListResultFiles)

	mux.HandleFunc("POST /builds/check", h.CheckBuild)
	mux.HandleFunc("POST /builds/notify", h.NotifyBuild)
	mux.HandleFunc("POST /builds/request", h.RequestBuild)

	mux.HandleFunc("GET /packages", h.ListPackages)
	mux.HandleFunc("GET /archs", h.ListArchs)
	mux.HandleFunc("GET /hosts", h.ListHosts)
	mux.HandleFunc("GET /packages/{package}/tagsets", h.ListTagsets)
	mux.HandleFunc("GET /packages/{package}/last", h.GetLastResultForTagset)

	mux.HandleFunc("POST /files", h.UploadFile)

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

func (h *handler) CreateResult(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ClientInfo *result.ClientInfo  `json:"client_info"`
		Results    []result.StepResult `json:"results"`
	}

	type response struct {
		ResultKey int64     `json:"result_key"`
		AuthKey   uuid.UUID `json:"auth_key"`
	}

	var req request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusUnprocessableEntity)
		return
	}
	if req.ClientInfo == nil {
		http.Error(w, "invalid request body: missing client_info", http.StatusUnprocessableEntity)
		return
	}

	added, err := h.coordinator.AddResults(r.Context(), &coordinator.AddResultsParams{
		ClientIP:   clientIP(r),
		ClientInfo: req.ClientInfo,
		Results:    req.Results,
	})
	if err != nil {
		if errors.Is(err, result.ErrMissingPackage) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, response{ResultKey: added.ResultKey, AuthKey: added.AuthKey})
}

func (h *handler) GetResult(w http.ResponseWriter, r *http.Request) {
	const pathValueKey = "key"
	key, err := strconv.ParseInt(r.PathValue(pathValueKey), 10, 64)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %q request path value: %w", pathValueKey, err).Error(), http.StatusUnprocessableEntity)
		return
	}

	record, err := h.coordinator.Result(r.Context(), key)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *handler) ListResultFiles(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Files []artifact.UploadedFile `json:"files"`
	}

	const pathValueKey = "key"
	key, err := strconv.ParseInt(r.PathValue(pathValueKey), 10, 64)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %q request path value: %w", pathValueKey, err).Error(), http.StatusUnprocessableEntity)
		return
	}

	files, err := h.coordinator.UploadedFiles(r.Context(), key)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []artifact.UploadedFile{}
	}

	writeJSON(w, http.StatusOK, response{Files: files})
}

func (h *handler) CheckBuild(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ClientInfo              *result.ClientInfo `json:"client_info"`
		KeepRequest             bool               `json:"keep_request"`
		Reserve                 bool               `json:"reserve"`
		ReserveAllowanceSeconds *float64           `json:"reserve_allowance_seconds"`
	}

	type response struct {
		Build  bool   `json:"build"`
		Reason string `json:"reason"`
	}

	var req request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusUnprocessableEntity)
		return
	}
	if req.ClientInfo == nil {
		http.Error(w, "invalid request body: missing client_info", http.StatusUnprocessableEntity)
		return
	}

	checked, err := h.coordinator.CheckShouldBuild(r.Context(), &coordinator.CheckShouldBuildParams{
		ClientInfo:       req.ClientInfo,
		KeepRequest:      req.KeepRequest,
		Reserve:          req.Reserve,
		ReserveAllowance: durationFromSeconds(req.ReserveAllowanceSeconds),
	})
	if err != nil {
		if errors.Is(err, result.ErrMissingPackage) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, response{Build: checked.Build, Reason: checked.Reason})
}

func (h *handler) NotifyBuild(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ClientInfo       *result.ClientInfo `json:"client_info"`
		AllowanceSeconds *float64           `json:"allowance_seconds"`
	}

	var req request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusUnprocessableEntity)
		return
	}
	if req.ClientInfo == nil {
		http.Error(w, "invalid request body: missing client_info", http.StatusUnprocessableEntity)
		return
	}

	err := h.coordinator.NotifyBuild(r.Context(), &coordinator.NotifyBuildParams{
		ClientInfo: req.ClientInfo,
		Allowance:  durationFromSeconds(req.AllowanceSeconds),
	})
	if err != nil {
		if errors.Is(err, result.ErrMissingPackage) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) RequestBuild(w http.ResponseWriter, r *http.Request) {
	type request struct {
		ClientInfo *result.ClientInfo `json:"client_info"`
		Value      *bool              `json:"value"`
	}

	var req request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusUnprocessableEntity)
		return
	}
	if req.ClientInfo == nil {
		http.Error(w, "invalid request body: missing client_info", http.StatusUnprocessableEntity)
		return
	}
	if req.Value == nil {
		http.Error(w, "invalid request body: missing value", http.StatusUnprocessableEntity)
		return
	}

	err := h.coordinator.SetRequestBuild(r.Context(), req.ClientInfo, *req.Value)
	if err != nil {
		if errors.Is(err, result.ErrMissingPackage) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Packages []string `json:"packages"`
	}
	writeJSON(w, http.StatusOK, response{Packages: h.coordinator.AllPackages(r.Context())})
}

func (h *handler) ListArchs(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Archs []string `json:"archs"`
	}
	writeJSON(w, http.StatusOK, response{Archs: h.coordinator.AllArchs(r.Context())})
}

func (h *handler) ListHosts(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Hosts []string `json:"hosts"`
	}
	writeJSON(w, http.StatusOK, response{Hosts: h.coordinator.AllHosts(r.Context())})
}

func (h *handler) ListTagsets(w http.ResponseWriter, r *http.Request) {
	type tagsetRecord struct {
		Tags   []string       `json:"tags"`
		Record *result.Record `json:"record,omitempty"`
	}
	type response struct {
		Tagsets []tagsetRecord `json:"tagsets"`
	}

	pkg := r.PathValue("package")
	q := r.URL.Query()
	opts := &result.TagSetOptions{
		NoHost: q.Get("no_host") == "yes",
		NoArch: q.Get("no_arch") == "yes",
	}
	var resp response
	if q.Get("unique") == "yes" {
		records, err := h.coordinator.UniqueTagsetsForPackage(r.Context(), pkg, opts)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		resp.Tagsets = make([]tagsetRecord, 0, len(records))
		for _, tr := range records {
			resp.Tagsets = append(resp.Tagsets, tagsetRecord{Tags: tr.TagSet.Strings(), Record: tr.Record})
		}
	} else {
		tagsets, err := h.coordinator.TagsetsForPackage(r.Context(), pkg, opts)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		resp.Tagsets = make([]tagsetRecord, 0, len(tagsets))
		for _, ts := range tagsets {
			resp.Tagsets = append(resp.Tagsets, tagsetRecord{Tags: ts.Strings()})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) GetLastResultForTagset(w http.ResponseWriter, r *http.Request) {
	pkg := r.PathValue("package")
	tags := r.URL.Query()["tag"]
	ts := result.TagSetFromStrings(tags)

	record, err := h.coordinator.LastResultForTagset(r.Context(), pkg, ts)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	authKey, err := uuid.Parse(q.Get("auth_key"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid auth_key query parameter: %w", err).Error(), http.StatusUnauthorized)
		return
	}
	filename := q.Get("filename")
	if filename == "" {
		http.Error(w, "missing filename query parameter", http.StatusUnprocessableEntity)
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusUnprocessableEntity)
		return
	}

	err = h.coordinator.AddUploadedFile(r.Context(), &coordinator.AddUploadedFileParams{
		AuthKey:     authKey,
		Filename:    filename,
		Content:     content,
		Description: q.Get("description"),
		Visible:     q.Get("visible") == "yes",
	})
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownAuthKey) {
			http.Error(w, "unknown auth key", http.StatusUnauthorized)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func durationFromSeconds(seconds *float64) *time.Duration {
	if seconds == nil {
		return nil
	}
	d := time.Duration(*seconds * float64(time.Second))
	return &d
}
