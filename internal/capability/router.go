// Package capability implements CapabilityRouter: the dispatch layer
// between the HTTP API and a sandbox's runtime, responsible for ensuring a
// session is running, validating the runtime's capability handshake, and
// routing to the right runtimeclient call (spec.md section 4.5). Grounded
// on the original implementation's CapabilityRouter (original_source/pkgs/
// bay/app/router/capability/capability.py), with its per-endpoint adapter
// cache kept but narrowed to the one runtime type ("ship") this core
// supports.
package capability

import (
	"context"
	"log/slog"
	"sync"

	"github.com/baysandbox/bay/internal/bayerr"
	"github.com/baysandbox/bay/internal/runtimeclient"
	"github.com/baysandbox/bay/internal/sandbox"
	"github.com/baysandbox/bay/internal/store"
)

// Router dispatches capability calls to a sandbox's current session,
// starting it on demand.
type Router struct {
	sandboxes *sandbox.Manager
	log       *slog.Logger

	mu       sync.Mutex
	clients  map[string]*runtimeclient.Client // keyed by endpoint
	metaCache map[string]*runtimeclient.Meta   // keyed by endpoint
}

func NewRouter(sandboxes *sandbox.Manager, log *slog.Logger) *Router {
	return &Router{
		sandboxes: sandboxes,
		log:       log,
		clients:   make(map[string]*runtimeclient.Client),
		metaCache: make(map[string]*runtimeclient.Meta),
	}
}

// ensureSession starts the sandbox's session if needed and returns it.
func (r *Router) ensureSession(ctx context.Context, sb *store.Sandbox) (*store.Session, error) {
	return r.sandboxes.EnsureRunning(ctx, sb)
}

func (r *Router) clientFor(sess *store.Session) (*runtimeclient.Client, error) {
	if sess.Endpoint == "" {
		return nil, bayerr.New(bayerr.CodeSessionNotReady, "session has no endpoint").WithDetails(map[string]any{
			"sandbox_id":     sess.SandboxID,
			"retry_after_ms": 1000,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[sess.Endpoint]
	if !ok {
		client = runtimeclient.New(sess.Endpoint)
		r.clients[sess.Endpoint] = client
	}
	return client, nil
}

// requireCapability fetches (and caches by endpoint) the runtime's /meta
// handshake and fails fast if capability isn't advertised.
func (r *Router) requireCapability(ctx context.Context, client *runtimeclient.Client, endpoint, capability string) error {
	r.mu.Lock()
	meta, cached := r.metaCache[endpoint]
	r.mu.Unlock()

	if !cached {
		var err error
		meta, err = client.GetMeta(ctx)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.metaCache[endpoint] = meta
		r.mu.Unlock()
	}

	for _, c := range meta.Capabilities {
		if c == capability {
			return nil
		}
	}
	return bayerr.CapabilityNotSupported(capability, meta.Capabilities)
}

// ExecPython runs a code cell in the sandbox's python.exec capability.
func (r *Router) ExecPython(ctx context.Context, sb *store.Sandbox, code string, timeoutSeconds int) (*runtimeclient.ExecResult, error) {
	sess, err := r.ensureSession(ctx, sb)
	if err != nil {
		return nil, err
	}
	client, err := r.clientFor(sess)
	if err != nil {
		return nil, err
	}
	if err := r.requireCapability(ctx, client, sess.Endpoint, "python.exec"); err != nil {
		return nil, err
	}

	r.log.Info("capability.python.exec", "sandbox_id", sb.ID, "session_id", sess.ID, "code_len", len(code))
	return client.ExecPython(ctx, code, timeoutSeconds)
}

// ExecShell runs a shell command in the sandbox's shell.exec capability.
func (r *Router) ExecShell(ctx context.Context, sb *store.Sandbox, command string, timeoutSeconds int, cwd string, background bool) (*runtimeclient.ExecResult, error) {
	sess, err := r.ensureSession(ctx, sb)
	if err != nil {
		return nil, err
	}
	client, err := r.clientFor(sess)
	if err != nil {
		return nil, err
	}
	if err := r.requireCapability(ctx, client, sess.Endpoint, "shell.exec"); err != nil {
		return nil, err
	}

	r.log.Info("capability.shell.exec", "sandbox_id", sb.ID, "session_id", sess.ID)
	return client.ExecShell(ctx, command, timeoutSeconds, cwd, background)
}

// ReadFile reads a workspace file through the filesystem.read capability.
func (r *Router) ReadFile(ctx context.Context, sb *store.Sandbox, path string) (string, error) {
	sess, client, err := r.prepare(ctx, sb, "filesystem.read")
	if err != nil {
		return "", err
	}
	r.log.Info("capability.files.read", "sandbox_id", sb.ID, "session_id", sess.ID, "path", path)
	return client.ReadFile(ctx, path)
}

// WriteFile writes a workspace file through the filesystem.write capability.
func (r *Router) WriteFile(ctx context.Context, sb *store.Sandbox, path, content string) error {
	sess, client, err := r.prepare(ctx, sb, "filesystem.write")
	if err != nil {
		return err
	}
	r.log.Info("capability.files.write", "sandbox_id", sb.ID, "session_id", sess.ID, "path", path, "content_len", len(content))
	return client.WriteFile(ctx, path, content)
}

// ListFiles lists a workspace directory through the filesystem.list capability.
func (r *Router) ListFiles(ctx context.Context, sb *store.Sandbox, path string) ([]runtimeclient.FileEntry, error) {
	sess, client, err := r.prepare(ctx, sb, "filesystem.list")
	if err != nil {
		return nil, err
	}
	r.log.Info("capability.files.list", "sandbox_id", sb.ID, "session_id", sess.ID, "path", path)
	return client.ListDir(ctx, path)
}

// DeleteFile removes a workspace file through the filesystem.delete capability.
func (r *Router) DeleteFile(ctx context.Context, sb *store.Sandbox, path string) error {
	sess, client, err := r.prepare(ctx, sb, "filesystem.delete")
	if err != nil {
		return err
	}
	r.log.Info("capability.files.delete", "sandbox_id", sb.ID, "session_id", sess.ID, "path", path)
	return client.DeleteFile(ctx, path)
}

// UploadFile posts binary content through the runtime's dedicated
// multipart /fs/upload endpoint (spec.md section 6.2), reached via the
// filesystem.upload capability.
func (r *Router) UploadFile(ctx context.Context, sb *store.Sandbox, path string, content []byte) error {
	sess, client, err := r.prepare(ctx, sb, "filesystem.upload")
	if err != nil {
		return err
	}
	r.log.Info("capability.files.upload", "sandbox_id", sb.ID, "session_id", sess.ID, "path", path, "content_len", len(content))
	_, err = client.UploadFile(ctx, path, content)
	return err
}

// DownloadFile fetches binary content through the runtime's dedicated
// octet-stream /fs/download endpoint, reached via the filesystem.download
// capability.
func (r *Router) DownloadFile(ctx context.Context, sb *store.Sandbox, path string) ([]byte, error) {
	sess, client, err := r.prepare(ctx, sb, "filesystem.download")
	if err != nil {
		return nil, err
	}
	r.log.Info("capability.files.download", "sandbox_id", sb.ID, "session_id", sess.ID, "path", path)
	return client.DownloadFile(ctx, path)
}

func (r *Router) prepare(ctx context.Context, sb *store.Sandbox, capability string) (*store.Session, *runtimeclient.Client, error) {
	sess, err := r.ensureSession(ctx, sb)
	if err != nil {
		return nil, nil, err
	}
	client, err := r.clientFor(sess)
	if err != nil {
		return nil, nil, err
	}
	if err := r.requireCapability(ctx, client, sess.Endpoint, capability); err != nil {
		return nil, nil, err
	}
	return sess, client, nil
}
