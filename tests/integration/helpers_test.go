//go:build integration && linux

// Package integration exercises spec.md section 8's concrete end-to-end
// scenarios against an in-process Bay API server backed by a real Docker
// daemon.
// Grounded on the teacher's tests/integration/e2e_test.go client harness
// (sandkasten), retargeted at Bay's /v1/sandboxes surface.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type testClient struct {
	baseURL string
	owner   string
	client  *http.Client
}

func newTestClient(baseURL, owner string) *testClient {
	return &testClient{baseURL: baseURL, owner: owner, client: &http.Client{}}
}

func (c *testClient) doRequest(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Owner", c.owner)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (c *testClient) createSandbox(t *testing.T, profile string, ttlSeconds int, idempotencyKey string) (*http.Response, map[string]any) {
	t.Helper()
	body := map[string]any{"profile": profile}
	if ttlSeconds > 0 {
		body["ttl"] = ttlSeconds
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	resp := c.doRequest(t, "POST", "/v1/sandboxes", body, headers)
	return resp, decodeResponse(t, resp)
}

func (c *testClient) getSandbox(t *testing.T, id string) (*http.Response, map[string]any) {
	t.Helper()
	resp := c.doRequest(t, "GET", "/v1/sandboxes/"+id, nil, nil)
	return resp, decodeResponse(t, resp)
}

func (c *testClient) execPython(t *testing.T, id, code string, timeoutSeconds int) (*http.Response, map[string]any) {
	t.Helper()
	resp := c.doRequest(t, "POST", fmt.Sprintf("/v1/sandboxes/%s/python/exec", id), map[string]any{
		"code":    code,
		"timeout": timeoutSeconds,
	}, nil)
	return resp, decodeResponse(t, resp)
}

func (c *testClient) stop(t *testing.T, id string) *http.Response {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/sandboxes/"+id+"/stop", nil, nil)
	return resp
}

func (c *testClient) deleteSandbox(t *testing.T, id string) *http.Response {
	t.Helper()
	resp := c.doRequest(t, "DELETE", "/v1/sandboxes/"+id, nil, nil)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if resp.ContentLength == 0 {
		return result
	}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return result
}
