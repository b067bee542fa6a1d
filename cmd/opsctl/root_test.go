package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-insights-batch/internal/infra/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type seen struct {
	method string
	path   string
	auth   string
	body   string
}

func fakeOps(t *testing.T, status int, reply string) (*httptest.Server, *[]seen) {
	t.Helper()
	var got []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = append(got, seen{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: string(b)})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OPSCTL_TOKEN", "")
	t.Setenv("OPS_JWT_SECRET", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatus_PrintsIndentedJSON(t *testing.T) {
	srv, got := fakeOps(t, http.StatusOK, `{"paused":false,"consecutive_errors":0}`)

	out, err := runCmd(t, "--addr", srv.URL, "--token", "tok", "status")
	require.NoError(t, err)
	require.Len(t, *got, 1)
	assert.Equal(t, http.MethodGet, (*got)[0].method)
	assert.Equal(t, "/v1/scheduler/status", (*got)[0].path)
	assert.Equal(t, "Bearer tok", (*got)[0].auth)
	assert.Contains(t, out, "\n  \"paused\": false")
}

func TestForceBatch_APIErrorSurfaces(t *testing.T) {
	srv, got := fakeOps(t, http.StatusTooManyRequests, `{"error":"force batch limit reached"}`)

	_, err := runCmd(t, "--addr", srv.URL, "--token", "tok", "force-batch", "acme")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "force batch limit reached", apiErr.Message)
	assert.Equal(t, "/v1/tenants/acme/batches", (*got)[0].path)
}

func TestTenantAndRequeue_SendBodies(t *testing.T) {
	srv, got := fakeOps(t, http.StatusOK, `{}`)

	_, err := runCmd(t, "--addr", srv.URL, "--token", "tok", "tenant", "register", "acme", "--name", "Acme Corp")
	require.NoError(t, err)
	_, err = runCmd(t, "--addr", srv.URL, "--token", "tok", "tenant", "suspend", "acme")
	require.NoError(t, err)
	_, err = runCmd(t, "--addr", srv.URL, "--token", "tok", "requeue", "r1", "r2")
	require.NoError(t, err)

	require.Len(t, *got, 3)
	assert.Equal(t, "/v1/tenants", (*got)[0].path)
	assert.JSONEq(t, `{"id":"acme","name":"Acme Corp"}`, (*got)[0].body)
	assert.Equal(t, "/v1/tenants/acme/suspend", (*got)[1].path)
	assert.Equal(t, http.MethodPost, (*got)[1].method)
	assert.Equal(t, "/v1/requests/requeue", (*got)[2].path)

	var body struct {
		IDs []string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal([]byte((*got)[2].body), &body))
	assert.Equal(t, []string{"r1", "r2"}, body.IDs)
}

func TestSecret_MintsOperatorToken(t *testing.T) {
	srv, got := fakeOps(t, http.StatusOK, `{"resumed":true}`)

	_, err := runCmd(t, "--addr", srv.URL, "--secret", testSecret, "--as", "alice", "resume")
	require.NoError(t, err)

	auth := (*got)[0].auth
	require.True(t, strings.HasPrefix(auth, "Bearer "))
	issuer, err := api.NewTokenIssuer(testSecret, time.Minute)
	require.NoError(t, err)
	claims, err := issuer.Parse(strings.TrimPrefix(auth, "Bearer "))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, api.RoleOperator, claims.Role)
}

func TestNoCredentials(t *testing.T) {
	_, err := runCmd(t, "--addr", "http://127.0.0.1:1", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestToken_PrintsToken(t *testing.T) {
	out, err := runCmd(t, "--secret", testSecret, "token", "--ttl", "1h")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))
}
