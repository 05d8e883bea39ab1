// Package runtimeclient is a pure HTTP client for the Ship wire contract
// (spec.md section 6.2): health, meta/capability handshake, filesystem, and
// the python/shell execution capabilities. Grounded on the original
// implementation's ShipClient (original_source/pkgs/bay/app/clients/runtime/
// ship.py), expressed with net/http the way the teacher's internal/docker
// client talks to its runner.
package runtimeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/baysandbox/bay/internal/bayerr"
)

// DefaultTimeout bounds a single Ship request absent a caller-supplied one.
const DefaultTimeout = 30 * time.Second

// Client talks to one Ship runtime instance over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client for the runtime reachable at endpoint (as resolved
// by the driver: http://<container-ip-or-host>:<port>).
func New(endpoint string) *Client {
	return &Client{
		baseURL: endpoint,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// Meta is the runtime's capability-handshake response (spec.md section 4.5).
type Meta struct {
	Runtime struct {
		Name       string `json:"name"`
		Version    string `json:"version"`
		APIVersion string `json:"api_version"`
	} `json:"runtime"`
	Workspace struct {
		MountPath string `json:"mount_path"`
	} `json:"workspace"`
	Capabilities []string `json:"capabilities"`
}

// Health checks runtime liveness for the readiness probe (spec.md section 4.3.1).
func (c *Client) Health(ctx context.Context) error {
	_, err := c.get(ctx, "/health", DefaultTimeout)
	return err
}

// GetMeta fetches the runtime's capability handshake.
func (c *Client) GetMeta(ctx context.Context) (*Meta, error) {
	body, err := c.get(ctx, "/meta", DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, bayerr.Wrap(bayerr.CodeRuntimeError, "decoding runtime meta", err)
	}
	return &meta, nil
}

// FileEntry is one entry returned by ListDir.
type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ReadFile reads a file's content through the runtime's filesystem capability.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	body, err := c.post(ctx, "/fs/read_file", map[string]any{"path": path}, DefaultTimeout)
	if err != nil {
		return "", err
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", bayerr.Wrap(bayerr.CodeRuntimeError, "decoding read_file response", err)
	}
	return out.Content, nil
}

// WriteFile writes file content through the runtime's filesystem capability.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	_, err := c.post(ctx, "/fs/write_file", map[string]any{
		"path": path, "content": content, "mode": "w",
	}, DefaultTimeout)
	return err
}

// ListDir lists a directory's contents.
func (c *Client) ListDir(ctx context.Context, path string) ([]FileEntry, error) {
	body, err := c.post(ctx, "/fs/list_dir", map[string]any{
		"path": path, "show_hidden": false,
	}, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	var out struct {
		Files []FileEntry `json:"files"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, bayerr.Wrap(bayerr.CodeRuntimeError, "decoding list_dir response", err)
	}
	return out.Files, nil
}

// DeleteFile removes a file or directory.
func (c *Client) DeleteFile(ctx context.Context, path string) error {
	_, err := c.post(ctx, "/fs/delete_file", map[string]any{"path": path}, DefaultTimeout)
	return err
}

// UploadFile posts raw binary content to the runtime's dedicated multipart
// upload endpoint (spec.md section 6.2), returning the size the runtime
// reports it wrote. Unlike ReadFile/WriteFile, which carry content as a JSON
// string, content here travels as raw bytes: the runtime writes the
// multipart part's bytes verbatim.
func (c *Client) UploadFile(ctx context.Context, path string, content []byte) (int, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("file_path", path); err != nil {
		return 0, bayerr.Wrap(bayerr.CodeInternal, "encoding upload form", err)
	}
	part, err := mw.CreateFormFile("file", path)
	if err != nil {
		return 0, bayerr.Wrap(bayerr.CodeInternal, "encoding upload form", err)
	}
	if _, err := part.Write(content); err != nil {
		return 0, bayerr.Wrap(bayerr.CodeInternal, "encoding upload form", err)
	}
	if err := mw.Close(); err != nil {
		return 0, bayerr.Wrap(bayerr.CodeInternal, "encoding upload form", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fs/upload", &buf)
	if err != nil {
		return 0, bayerr.Wrap(bayerr.CodeInternal, "building upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, bayerr.New(bayerr.CodeTimeout, "runtime upload timed out")
		}
		return 0, bayerr.Wrap(bayerr.CodeRuntimeError, "runtime upload error", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, bayerr.Wrap(bayerr.CodeRuntimeError, "reading upload response", err)
	}
	if resp.StatusCode >= 400 {
		return 0, bayerr.Newf(bayerr.CodeRuntimeError, "runtime upload failed: %d", resp.StatusCode)
	}

	var out struct {
		Success bool `json:"success"`
		Size    int  `json:"size"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, bayerr.Wrap(bayerr.CodeRuntimeError, "decoding upload response", err)
	}
	return out.Size, nil
}

// DownloadFile fetches raw binary content from the runtime's dedicated
// download endpoint, returning the response body verbatim (no base64).
func (c *Client) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	return c.get(ctx, "/fs/download?file_path="+url.QueryEscape(path), DefaultTimeout)
}

// ExecResult is the normalized shape of a shell/python execution result.
type ExecResult struct {
	Success    bool           `json:"success"`
	Output     string         `json:"output"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Background bool           `json:"background,omitempty"`
	ProcessID  string         `json:"process_id,omitempty"`
	Raw        map[string]any `json:"-"`
}

// ExecShell runs a shell command. background requests the runtime not block
// on completion, returning a process_id instead (spec.md section 6.2,
// original_source/pkgs/ship/app/components/shell.py / term.py). The runtime's
// wire shape is {success, return_code, stdout, stderr, pid, process_id?}.
func (c *Client) ExecShell(ctx context.Context, command string, timeoutSeconds int, cwd string, background bool) (*ExecResult, error) {
	payload := map[string]any{
		"command":    command,
		"timeout":    timeoutSeconds,
		"background": background,
	}
	if cwd != "" {
		payload["cwd"] = cwd
	}

	body, err := c.post(ctx, "/shell/exec", payload, time.Duration(timeoutSeconds)*time.Second+5*time.Second)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, bayerr.Wrap(bayerr.CodeRuntimeError, "decoding shell exec response", err)
	}

	res := &ExecResult{Raw: raw}
	if ok, _ := raw["success"].(bool); ok {
		res.Success = true
	}
	if returnCode, ok := raw["return_code"].(float64); ok {
		rc := int(returnCode)
		res.ExitCode = &rc
	}
	if stdout, ok := raw["stdout"].(string); ok {
		res.Stdout = stdout
		res.Output = stdout
	}
	if stderr, ok := raw["stderr"].(string); ok {
		res.Stderr = stderr
	}
	if errMsg, ok := raw["error"].(string); ok {
		res.Error = errMsg
	}
	if pid, ok := raw["process_id"].(string); ok {
		res.ProcessID = pid
		res.Background = true
	}
	return res, nil
}

// ExecPython runs a code cell against the runtime's IPython kernel.
func (c *Client) ExecPython(ctx context.Context, code string, timeoutSeconds int) (*ExecResult, error) {
	body, err := c.post(ctx, "/ipython/exec", map[string]any{
		"code": code, "timeout": timeoutSeconds, "silent": false,
	}, time.Duration(timeoutSeconds)*time.Second+5*time.Second)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, bayerr.Wrap(bayerr.CodeRuntimeError, "decoding ipython exec response", err)
	}

	res := &ExecResult{Raw: raw}
	if ok, _ := raw["success"].(bool); ok {
		res.Success = true
	}
	if errMsg, ok := raw["error"].(string); ok {
		res.Error = errMsg
	}
	if outputObj, ok := raw["output"].(map[string]any); ok {
		if text, ok := outputObj["text"].(string); ok {
			res.Output = text
		}
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, timeout)
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any, timeout time.Duration) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, bayerr.Wrap(bayerr.CodeInternal, "encoding runtime request", err)
		}
		body = bytes.NewReader(buf)
	}
	return c.do(ctx, http.MethodPost, path, body, timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, bayerr.Wrap(bayerr.CodeInternal, "building runtime request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, bayerr.Newf(bayerr.CodeTimeout, "runtime request timed out: %s", path)
		}
		return nil, bayerr.Wrap(bayerr.CodeRuntimeError, fmt.Sprintf("runtime request error: %s", path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bayerr.Wrap(bayerr.CodeRuntimeError, "reading runtime response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, bayerr.Newf(bayerr.CodeRuntimeError, "runtime request failed: %s %d", path, resp.StatusCode)
	}

	return respBody, nil
}
