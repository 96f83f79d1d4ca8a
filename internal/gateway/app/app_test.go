package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aico-ai/gateway/internal/gateway/adapters/rest"
	"github.com/aico-ai/gateway/internal/gateway/auth"
	"github.com/aico-ai/gateway/internal/gateway/config"
	"github.com/aico-ai/gateway/internal/gateway/keys"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testConfig(t *testing.T) *config.View {
	t.Helper()
	yaml := fmt.Sprintf(`
database:
  path: %s
bus:
  pub_port: 0
  sub_port: 0
adapters:
  rest:
    port: 0
  websocket:
    port: 0
  ipc:
    socket_path: %s
router:
  timeout: 2s
`, filepath.Join(t.TempDir(), "gateway.db"), filepath.Join(t.TempDir(), "gw.sock"))

	v, err := config.Load([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv(keys.EnvMasterKey, testMasterKey)

	a, err := New(Config{
		View: testConfig(t),
		PINUsers: []auth.PINUser{
			{UserUUID: "22222222-2222-2222-2222-222222222222", Username: "ana", PIN: "4321", Roles: []string{"user"}},
		},
		LogWriter: io.Discard,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func startApp(t *testing.T, a *App) {
	t.Helper()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { a.Stop() })
}

func restBase(t *testing.T, a *App) string {
	t.Helper()
	srv, ok := a.adapters[0].(*rest.Server)
	if !ok {
		t.Fatalf("adapter 0 is %T, want *rest.Server", a.adapters[0])
	}
	return "http://" + srv.Addr().String() + "/api/v1"
}

func TestStartupAndHealth(t *testing.T) {
	a := newTestApp(t)
	startApp(t, a)

	if got := a.AdapterNames(); len(got) != 3 {
		t.Fatalf("adapters = %v", got)
	}

	resp, err := http.Get(restBase(t, a) + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}

func TestLoginOverRealBus(t *testing.T) {
	a := newTestApp(t)
	startApp(t, a)

	// Authentication does not touch the bus, so it works even with no
	// backend components subscribed.
	body := strings.NewReader(`{"user_uuid":"22222222-2222-2222-2222-222222222222","pin":"4321"}`)
	resp, err := http.Post(restBase(t, a)+"/auth/authenticate", "application/json", body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticate status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["jwt_token"] == "" || out["token_type"] != "bearer" {
		t.Errorf("token response = %v", out)
	}
}

func TestRoutedRequestTimesOutWithoutBackend(t *testing.T) {
	a := newTestApp(t)
	startApp(t, a)

	body := strings.NewReader(`{"user_uuid":"22222222-2222-2222-2222-222222222222","pin":"4321"}`)
	resp, err := http.Post(restBase(t, a)+"/auth/authenticate", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Token string `json:"jwt_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, restBase(t, a)+"/echo/test", strings.NewReader(`{"x":1}`))
	req.Header.Set("Authorization", "Bearer "+out.Token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatalf("routed request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504 with no backend on the bus", resp2.StatusCode)
	}
}

func TestStopUnlinksIPCSocket(t *testing.T) {
	a := newTestApp(t)
	sock := a.view.String("adapters.ipc.socket_path", "")
	startApp(t, a)

	if _, err := os.Stat(sock); err != nil {
		t.Fatalf("socket missing while running: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Errorf("socket survived shutdown: %v", err)
	}
}

func TestBrokerPortConflict(t *testing.T) {
	t.Setenv(keys.EnvMasterKey, testMasterKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	yaml := fmt.Sprintf(`
database:
  path: %s
bus:
  pub_port: %d
  sub_port: 0
adapters:
  ipc:
    socket_path: %s
`, filepath.Join(t.TempDir(), "gateway.db"), port, filepath.Join(t.TempDir(), "gw.sock"))
	v, err := config.Load([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}

	a, err := New(Config{View: v, LogWriter: io.Discard})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		a.Stop()
		t.Fatal("start succeeded on an occupied bus port")
	}
}

func TestMissingMasterKey(t *testing.T) {
	t.Setenv(keys.EnvMasterKey, "")

	_, err := New(Config{View: testConfig(t), LogWriter: io.Discard})
	if err == nil {
		t.Fatal("new app succeeded without a master key")
	}
}
