package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunStatusCommandExtraArgs(t *testing.T) {
	require.Equal(t, 2, runStatusCommand(context.Background(), []string{"extra"}))
}

func TestRunStatusCommandHealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	setTestServerPort(t, ts.Listener.Addr().(*net.TCPAddr).Port)

	require.Equal(t, 0, runStatusCommand(context.Background(), nil))
}

func TestRunStatusCommandUnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
	}))
	defer ts.Close()

	setTestServerPort(t, ts.Listener.Addr().(*net.TCPAddr).Port)

	require.Equal(t, 1, runStatusCommand(context.Background(), nil))
}

func TestRunStatusCommandConnectionRefused(t *testing.T) {
	setTestServerPort(t, 1) // nothing listens on a privileged low port in a test sandbox
	require.Equal(t, 1, runStatusCommand(context.Background(), nil))
}

func TestRunStatusCommandMissingPortFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OUROBOROS_HOME", home)
	require.Equal(t, 1, runStatusCommand(context.Background(), nil))
}

// setTestServerPort points OUROBOROS_HOME at a fresh temp dir carrying the
// given port in state/server_port, mirroring what the supervisor writes on
// boot (state.Store.WritePortFile).
func setTestServerPort(t *testing.T, port int) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("OUROBOROS_HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "state"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "state", "server_port"), []byte(strconv.Itoa(port)+"\n"), 0o644))
}
