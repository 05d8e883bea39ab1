package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/baysandbox/bay/internal/bayerr"
)

type pythonExecRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout"`
}

func (s *Server) handlePythonExec(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req pythonExecRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "invalid json", err))
		return
	}
	if req.Code == "" {
		writeError(w, r, bayerr.New(bayerr.CodeValidation, "code is required"))
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}

	result, err := s.capability.ExecPython(r.Context(), sb, req.Code, req.TimeoutSeconds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type shellExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout"`
	Cwd            string `json:"cwd"`
	Background     bool   `json:"background"`
}

func (s *Server) handleShellExec(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req shellExecRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "invalid json", err))
		return
	}
	if req.Command == "" {
		writeError(w, r, bayerr.New(bayerr.CodeValidation, "command is required"))
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}

	result, err := s.capability.ExecShell(r.Context(), sb, req.Command, req.TimeoutSeconds, req.Cwd, req.Background)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFilesRead(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	path := r.URL.Query().Get("path")
	if err := validateRuntimePath(path); err != nil {
		writeError(w, r, err)
		return
	}

	content, err := s.capability.ReadFile(r.Context(), sb, path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": content})
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleFilesWrite(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req writeFileRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "invalid json", err))
		return
	}
	if err := validateRuntimePath(req.Path); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.capability.WriteFile(r.Context(), sb, req.Path, req.Content); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "path": req.Path})
}

func (s *Server) handleFilesList(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	entries, err := s.capability.ListFiles(r.Context(), sb, path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "files": entries})
}

type deleteFileRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleFilesDelete(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req deleteFileRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "invalid json", err))
		return
	}
	if err := validateRuntimePath(req.Path); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.capability.DeleteFile(r.Context(), sb, req.Path); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleFilesUpload implements POST /v1/sandboxes/{id}/files/upload
// (multipart: file, path — spec.md section 6.1).
func (s *Server) handleFilesUpload(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "parsing multipart form", err))
		return
	}
	path := r.FormValue("path")
	if err := validateRuntimePath(path); err != nil {
		writeError(w, r, err)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "missing multipart field 'file'", err))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		writeError(w, r, bayerr.Wrap(bayerr.CodeValidation, "reading uploaded file", err))
		return
	}
	if int64(len(content)) > MaxUploadBytes {
		writeError(w, r, bayerr.Newf(bayerr.CodeValidation, "file exceeds max upload size of %d bytes", MaxUploadBytes))
		return
	}

	if err := s.capability.UploadFile(r.Context(), sb, path, content); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "path": path, "size": len(content)})
}

func (s *Server) handleFilesDownload(w http.ResponseWriter, r *http.Request) {
	sb, err := s.sandboxes.Get(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	path := r.URL.Query().Get("path")
	if err := validateRuntimePath(path); err != nil {
		writeError(w, r, err)
		return
	}

	content, err := s.capability.DownloadFile(r.Context(), sb, path)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// MaxUploadBytes is the maximum size for multipart file uploads (10 MB).
const MaxUploadBytes = 10 * 1024 * 1024
