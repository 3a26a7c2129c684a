//go:build integration
// +build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	binaryPath string
	moduleDir  string
)

func TestMain(m *testing.M) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get working dir: %v\n", err)
		os.Exit(1)
	}
	moduleDir = wd

	tmpDir, err := os.MkdirTemp("", "sleepy-integration-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "sleepy")
	build := exec.Command("go", "build", "-o", binaryPath, "./cmd")
	build.Dir = moduleDir
	out, err := build.CombinedOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build sleepy: %v\n%s", err, out)
		_ = os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

type serverProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	addr   string
	waited bool
}

// newConfigDir creates a config directory with its own database file.
func newConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db := "sqlite:///" + filepath.ToSlash(filepath.Join(dir, "data.db"))
	content := fmt.Sprintf("database = %q\nping_interval = 1\n", db)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o600))
	return dir
}

func sleepyCommand(dir string, args ...string) *exec.Cmd {
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = dir
	return cmd
}

func startServer(t *testing.T, dir, addr string) *serverProcess {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	cmd := sleepyCommand(dir, "serve", "--config-dir", dir, "--host", host, "--port", port)

	sp := &serverProcess{cmd: cmd, addr: addr}
	cmd.Stdout = &sp.stdout
	cmd.Stderr = &sp.stderr
	require.NoError(t, cmd.Start())

	waitForHealth(t, addr, 5*time.Second)

	t.Cleanup(func() {
		sp.stop(t)
	})
	return sp
}

func (s *serverProcess) stop(t *testing.T) {
	t.Helper()
	if s.waited {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	_ = s.wait(t, 5*time.Second)
}

func (s *serverProcess) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	if s.waited {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- s.cmd.Wait()
	}()

	select {
	case err := <-done:
		s.waited = true
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for server exit")
	}
}

func getFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func waitForHealth(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	url := fmt.Sprintf("http://%s/api/health", addr)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusNoContent {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("health endpoint not ready: %s", url)
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Sleepy-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestIntegrationHealthEndpoint(t *testing.T) {
	dir := newConfigDir(t)
	addr := getFreeAddr(t)
	sp := startServer(t, dir, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/health", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Sleepy-Version"))
	assert.NotEmpty(t, resp.Header.Get("X-Sleepy-Online"))

	sp.stop(t)
}

func TestIntegrationGracefulShutdown(t *testing.T) {
	dir := newConfigDir(t)
	addr := getFreeAddr(t)
	sp := startServer(t, dir, addr)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/ws", addr), nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello struct {
		Event    string `json:"event"`
		Interval int    `json:"interval"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Event)

	require.NoError(t, sp.cmd.Process.Signal(syscall.SIGTERM))

	// Drain until the server closes the socket.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	require.NoError(t, sp.wait(t, 5*time.Second), "stderr: %s", sp.stderr.String())
}

func TestIntegrationPortConflictFailsFast(t *testing.T) {
	dir := newConfigDir(t)
	addr := getFreeAddr(t)
	startServer(t, dir, addr)

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	output, err := sleepyCommand(dir, "serve", "--config-dir", dir, "--host", host, "--port", port).CombinedOutput()
	require.Error(t, err)

	exitErr, ok := err.(*exec.ExitError)
	require.True(t, ok, "expected exit error, got %v", err)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, string(output), "address already in use")
}

func TestIntegrationStatusFlow(t *testing.T) {
	dir := newConfigDir(t)
	out, err := sleepyCommand(dir, "init", "--config-dir", dir, "--password", "secret").CombinedOutput()
	require.NoError(t, err, string(out))

	addr := getFreeAddr(t)
	startServer(t, dir, addr)
	base := "http://" + addr

	resp := postJSON(t, base+"/api/auth/login", "", map[string]any{"password": "secret", "hashed": false, "type": "web"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pair struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pair))
	resp.Body.Close()

	resp = postJSON(t, base+"/api/status", pair.Token, map[string]any{"status": 1})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(base + "/api/query")
	require.NoError(t, err)
	var snap struct {
		Status  int   `json:"status"`
		Devices []any `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, 1, snap.Status)
	assert.Empty(t, snap.Devices)

	resp = postJSON(t, base+"/api/status", "", map[string]any{"status": 2})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIntegrationDeviceSocketRejectsWithoutToken(t *testing.T) {
	dir := newConfigDir(t)
	addr := getFreeAddr(t)
	startServer(t, dir, addr)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/devices/nope/ws", addr), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.True(t, strings.Contains(closeErr.Text, "token"), closeErr.Text)
}
