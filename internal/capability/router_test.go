package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baysandbox/bay/internal/bayerr"
	"github.com/baysandbox/bay/internal/profile"
	"github.com/baysandbox/bay/internal/sandbox"
	"github.com/baysandbox/bay/internal/session"
	"github.com/baysandbox/bay/internal/testutil"
	"github.com/baysandbox/bay/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func fakeShipWithCapabilities(t *testing.T, caps []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"runtime":      map[string]any{"name": "ship", "version": "1.0", "api_version": "v1"},
			"workspace":    map[string]any{"mount_path": "/workspace"},
			"capabilities": caps,
		})
	})
	mux.HandleFunc("/shell/exec", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true, "return_code": 0, "stdout": "hello\n", "stderr": "",
		})
	})

	var mu sync.Mutex
	files := make(map[string][]byte)
	mux.HandleFunc("/fs/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		path := r.FormValue("file_path")
		file, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		content, _ := io.ReadAll(file)
		mu.Lock()
		files[path] = content
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "file_path": path, "size": len(content)})
	})
	mux.HandleFunc("/fs/download", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("file_path")
		mu.Lock()
		content, ok := files[path]
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(content)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestExecShellRoutesAndParsesWireContract(t *testing.T) {
	ship := fakeShipWithCapabilities(t, []string{"shell.exec"})

	st := testutil.NewTestStore(t)
	drv := testutil.NewFakeDriver(ship.URL)
	profiles := profile.NewSet(profile.Defaults())
	ws := workspace.NewManager(st, drv)
	sessions := session.NewManager(st, drv, discardLogger())
	sandboxes := sandbox.NewManager(st, profiles, ws, sessions, discardLogger())
	router := NewRouter(sandboxes, discardLogger())

	sb, err := sandboxes.Create(context.Background(), "owner-1", sandbox.CreateOpts{ProfileID: "python-default"})
	require.NoError(t, err)

	result, err := router.ExecShell(context.Background(), sb, "echo hello", 10, "", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hello\n", result.Stdout)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
}

// TestUploadDownloadRoundTripsRawBytes covers spec.md section 6.2's
// dedicated /fs/upload (multipart) and /fs/download (octet-stream)
// endpoints, proving binary content survives the round trip unmodified
// rather than being corrupted by a base64-text detour through
// /fs/write_file and /fs/read_file.
func TestUploadDownloadRoundTripsRawBytes(t *testing.T) {
	ship := fakeShipWithCapabilities(t, []string{"filesystem.upload", "filesystem.download"})

	st := testutil.NewTestStore(t)
	drv := testutil.NewFakeDriver(ship.URL)
	profiles := profile.NewSet(profile.Defaults())
	ws := workspace.NewManager(st, drv)
	sessions := session.NewManager(st, drv, discardLogger())
	sandboxes := sandbox.NewManager(st, profiles, ws, sessions, discardLogger())
	router := NewRouter(sandboxes, discardLogger())

	sb, err := sandboxes.Create(context.Background(), "owner-1", sandbox.CreateOpts{ProfileID: "python-default"})
	require.NoError(t, err)

	content := []byte{0x00, 0xff, 0x10, 'h', 'i', 0x80, 0x81}

	require.NoError(t, router.UploadFile(context.Background(), sb, "/workspace/blob.bin", content))

	got, err := router.DownloadFile(context.Background(), sb, "/workspace/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestExecPythonOnShellOnlyProfileIsRejected(t *testing.T) {
	ship := fakeShipWithCapabilities(t, []string{"shell.exec"})

	st := testutil.NewTestStore(t)
	drv := testutil.NewFakeDriver(ship.URL)
	profiles := profile.NewSet(profile.Defaults())
	ws := workspace.NewManager(st, drv)
	sessions := session.NewManager(st, drv, discardLogger())
	sandboxes := sandbox.NewManager(st, profiles, ws, sessions, discardLogger())
	router := NewRouter(sandboxes, discardLogger())

	sb, err := sandboxes.Create(context.Background(), "owner-1", sandbox.CreateOpts{ProfileID: "shell-only"})
	require.NoError(t, err)

	_, err = router.ExecPython(context.Background(), sb, "print(1)", 10)
	require.Error(t, err)
	be, ok := bayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bayerr.CodeCapabilityNotSupported, be.Code)
}
