//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"weathersync/internal/asset"
	"weathersync/internal/channel"
	"weathersync/internal/config"
	"weathersync/internal/db"
	"weathersync/internal/envelope"
	"weathersync/internal/migrate"
	"weathersync/internal/responder"
	"weathersync/internal/scheduler"
	"weathersync/internal/snapshot"
	"weathersync/internal/weather"
)

const repoRootRel = ".." // relative to ./e2e

var mqttPort = nat.Port("1883/tcp")

func TestSmoke_SyncOverBroker(t *testing.T) {
	host, port := startBroker(t)
	cfg := brokerConfig(t, host, port)
	seedStore(t, cfg, weather.Entry{Date: time.Now(), MaxTemp: 25, MinTemp: 16, ConditionCode: 200})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn, err := db.Open(cfg, nil)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })

	src := channel.NewMQTT(cfg, cfg.ClientIDFor("source"), nil)
	t.Cleanup(src.Disconnect)
	resp := responder.New(
		weather.NewRepository(conn),
		weather.NewEmbeddedIcons(),
		weather.Formatter{Units: weather.UnitsMetric},
		src,
		cfg.WeatherLocation,
		nil,
	)
	if err := src.Subscribe(envelope.RequestPath, resp.HandleEvent); err != nil {
		t.Fatalf("source subscribe: %v", err)
	}
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("source connect: %v", err)
	}

	sink := channel.NewMQTT(cfg, cfg.ClientIDFor("sink"), nil)
	t.Cleanup(sink.Disconnect)
	cache := &snapshot.Cache{}
	sched := scheduler.New(scheduler.Config{
		RetryInterval:  500 * time.Millisecond,
		SteadyInterval: time.Hour,
		DisplaySize:    280,
	}, sink, cache, nil)
	if err := sink.Subscribe(envelope.ResponsePath, sched.HandleEvent); err != nil {
		t.Fatalf("sink subscribe: %v", err)
	}
	if err := sink.Connect(ctx); err != nil {
		t.Fatalf("sink connect: %v", err)
	}

	go func() { _ = resp.Run(ctx) }()
	go func() { _ = sched.Run(ctx) }()

	deadline := time.Now().Add(20 * time.Second)
	for sched.Status().State != scheduler.StateSteady {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler never reached steady: %+v", sched.Status())
		}
		time.Sleep(100 * time.Millisecond)
	}

	snap, ok := cache.Load()
	if !ok {
		t.Fatal("cache empty after steady")
	}
	if snap.High != "25°" || snap.Low != "16°" {
		t.Errorf("snapshot = %s/%s, want 25°/16°", snap.High, snap.Low)
	}
	if b := snap.Icon.Bounds(); b.Dx() != 70 || b.Dy() != 70 {
		t.Errorf("icon = %dx%d, want 70x70", b.Dx(), b.Dy())
	}
}

func TestSmoke_StaleResponseIgnoredOnStartup(t *testing.T) {
	host, port := startBroker(t)
	cfg := brokerConfig(t, host, port)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	icon, err := asset.Encode(image.NewNRGBA(image.Rect(0, 0, 4, 4)), 70)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	old := channel.NewMQTT(cfg, cfg.ClientIDFor("old-source"), nil)
	if err := old.Connect(ctx); err != nil {
		t.Fatalf("old source connect: %v", err)
	}
	stale := envelope.NewResponse("99°", "98°", icon, time.UnixMilli(1))
	if err := old.Put(ctx, envelope.ResponsePath, stale); err != nil {
		t.Fatalf("old source put: %v", err)
	}
	old.Disconnect()

	sink := channel.NewMQTT(cfg, cfg.ClientIDFor("sink"), nil)
	t.Cleanup(sink.Disconnect)
	cache := &snapshot.Cache{}
	sched := scheduler.New(scheduler.Config{
		RetryInterval:  time.Hour,
		SteadyInterval: 2 * time.Hour,
		DisplaySize:    280,
	}, sink, cache, nil)
	if err := sink.Subscribe(envelope.ResponsePath, sched.HandleEvent); err != nil {
		t.Fatalf("sink subscribe: %v", err)
	}
	if err := sink.Connect(ctx); err != nil {
		t.Fatalf("sink connect: %v", err)
	}
	go func() { _ = sched.Run(ctx) }()

	time.Sleep(time.Second)
	st := sched.Status()
	if st.Requests != 1 || st.PutFailures != 0 {
		t.Errorf("status = %+v, want one request put right after connect", st)
	}
	if st.State != scheduler.StateWaiting || st.Interval != time.Hour {
		t.Errorf("status = %+v, want waiting on the retry interval", st)
	}
	if _, ok := cache.Load(); ok {
		t.Error("cache populated from a previous run's answer")
	}
}

func TestSmoke_SinkHealthz(t *testing.T) {
	host, port := startBroker(t)
	repoRoot := repoRootPath(t)
	bin := buildBinary(t, repoRoot, "./cmd/weathersync-sink")
	addr := pickFreeAddr(t)

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"HTTP_ADDR="+addr,
		"CHANNEL=mqtt",
		"MQTT_BROKER="+host,
		fmt.Sprintf("MQTT_PORT=%d", port),
		"MQTT_TOPIC_PREFIX=e2e-"+t.Name(),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	client := &http.Client{Timeout: 2 * time.Second}
	url := "http://" + addr + "/healthz"
	waitForOK(t, client, url, 10*time.Second)

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body.status=%q want=%q", body["status"], "ok")
	}

	stopProcess(t, cmd)
}

func startBroker(t *testing.T) (string, int) {
	t.Helper()
	ctx := context.Background()

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:1.6",
		ExposedPorts: []string{string(mqttPort)},
		WaitingFor:   wait.ForListeningPort(mqttPort).WithStartupTimeout(30 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, mqttPort)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host, mapped.Int()
}

func brokerConfig(t *testing.T, host string, port int) config.Config {
	t.Helper()
	return config.Config{
		AppEnv:             "dev",
		Channel:            "mqtt",
		MQTTBroker:         host,
		MQTTPort:           port,
		MQTTTopicPrefix:    "e2e",
		MQTTConnectTimeout: 10 * time.Second,
		SQLiteDriver:       "sqlite3",
		SQLitePath:         filepath.Join(t.TempDir(), "weather.db"),
		SQLiteMaxOpenConns: 1,
		SQLiteMaxIdleConns: 1,
		WeatherLocation:    "94043",
		WeatherUnits:       weather.UnitsMetric,
	}
}

func seedStore(t *testing.T, cfg config.Config, e weather.Entry) {
	t.Helper()
	conn, err := db.Open(cfg, nil)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer func() { _ = db.Close(conn) }()
	if err := migrate.Run(context.Background(), conn, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := weather.NewRepository(conn).InsertEntry(context.Background(), cfg.WeatherLocation, e); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}
	return repo
}

func buildBinary(t *testing.T, repoRoot, pkg string) string {
	t.Helper()

	out := filepath.Join(t.TempDir(), filepath.Base(pkg))
	build := exec.Command("go", "build", "-o", out, pkg)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}
	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func waitForOK(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("not healthy after %s: %s", timeout, url)
}

func stopProcess(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatalf("process did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("process exited non-zero: %v", err)
			}
			t.Fatalf("wait error: %v", err)
		}
	}
}
