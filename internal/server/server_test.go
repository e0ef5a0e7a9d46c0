package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
	"github.com/teslashibe/go-rangefuse/internal/camera"
	"github.com/teslashibe/go-rangefuse/internal/config"
	"github.com/teslashibe/go-rangefuse/internal/fusion"
	"github.com/teslashibe/go-rangefuse/internal/health"
	"github.com/teslashibe/go-rangefuse/internal/history"
	"github.com/teslashibe/go-rangefuse/internal/pipeline"
	"github.com/teslashibe/go-rangefuse/internal/scan"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

type failingStore struct{}

func (failingStore) Save(calibration.Params) error {
	return errors.New("read-only filesystem")
}

func setupTestServer(t *testing.T, store calibration.Store) (*Server, Deps) {
	t.Helper()

	cfg := config.Default()

	buf := scan.NewBuffer()
	buf.Replace([]scan.Sample{
		{AngleDeg: 0.2, DistanceM: 1.5},
		{AngleDeg: 0.4, DistanceM: 1.8},
		{AngleDeg: 2.1, DistanceM: 2.2},
		{AngleDeg: 180, DistanceM: 3.0},
	})

	est := calibration.NewEstimator(calibration.DefaultParams(), store, nil)

	frames, err := camera.NewStaticSource(640, 480)
	if err != nil {
		t.Fatalf("NewStaticSource() error = %v", err)
	}

	// Centred on the frame, so 0° in camera coordinates
	det := vision.NewDetection([4]int{300, 200, 340, 280}, 0, "person", 0.9, 640, 60)
	engine := fusion.NewEngine(fusion.DefaultConfig(), buf, est, nil)
	runner := pipeline.NewRunner(pipeline.DefaultConfig(), frames, vision.NewMockDetector(det), engine, nil)

	deps := Deps{
		Buffer:    buf,
		Estimator: est,
		Engine:    engine,
		Runner:    runner,
	}

	return New(cfg, deps, slog.Default(), "test"), deps
}

func doRequest(t *testing.T, s *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	var result map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("failed to parse JSON: %v", err)
		}
	}
	return resp.StatusCode, result
}

func TestServer_Health(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	status, result := doRequest(t, server, "GET", "/health", nil)
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}
	if result["version"] != "test" {
		t.Errorf("expected version 'test', got %v", result["version"])
	}
	if result["status"] != health.StatusOK {
		t.Errorf("expected status ok, got %v", result["status"])
	}
}

func TestServer_HealthUnhealthy(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	checker := health.NewChecker("test")
	checker.SetComponent("scanner", false, true, "port closed")
	server.deps.Health = checker

	status, result := doRequest(t, server, "GET", "/health", nil)
	if status != 503 {
		t.Errorf("expected status 503, got %d", status)
	}
	if result["status"] != health.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %v", result["status"])
	}
}

func TestServer_Scan(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	status, result := doRequest(t, server, "GET", "/api/scan", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if result["rotation"].(float64) != 1 {
		t.Errorf("expected rotation 1, got %v", result["rotation"])
	}
	if n := len(result["samples"].([]any)); n != 4 {
		t.Errorf("expected 4 samples, got %d", n)
	}
}

func TestServer_ScanBuckets(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	status, result := doRequest(t, server, "GET", "/api/scan/buckets?start=350&end=10&step=1", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}

	buckets := result["buckets"].([]any)
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	first := buckets[0].(map[string]any)
	if first["angle_deg"].(float64) != 0 || first["distance_m"].(float64) != 1.5 {
		t.Errorf("unexpected first bucket %v", first)
	}

	tests := []string{
		"/api/scan/buckets?step=0",
		"/api/scan/buckets?step=-2",
		"/api/scan/buckets?start=abc",
	}
	for _, path := range tests {
		if status, _ := doRequest(t, server, "GET", path, nil); status != 400 {
			t.Errorf("%s: expected status 400, got %d", path, status)
		}
	}
}

func TestServer_Fusion(t *testing.T) {
	server, deps := setupTestServer(t, nil)

	status, _ := doRequest(t, server, "GET", "/api/fusion", nil)
	if status != 503 {
		t.Errorf("expected status 503 before the first frame, got %d", status)
	}

	if _, ok := deps.Runner.Step(context.Background()); !ok {
		t.Fatal("Step() did not process a frame")
	}

	status, result := doRequest(t, server, "GET", "/api/fusion", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if result["fused"].(float64) != 1 {
		t.Errorf("expected 1 fused object, got %v", result["fused"])
	}

	obj := result["objects"].([]any)[0].(map[string]any)
	if obj["distance_m"].(float64) != 1.5 {
		t.Errorf("expected distance 1.5, got %v", obj["distance_m"])
	}
}

func TestServer_Frame(t *testing.T) {
	server, deps := setupTestServer(t, nil)

	status, _ := doRequest(t, server, "GET", "/api/frame.jpg", nil)
	if status != 503 {
		t.Errorf("expected status 503 before the first frame, got %d", status)
	}

	deps.Runner.Step(context.Background())

	resp, err := server.app.Test(httptest.NewRequest("GET", "/api/frame.jpg", nil), -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	if len(body) < 2 || body[0] != 0xFF || body[1] != 0xD8 {
		t.Error("expected a JPEG body")
	}
}

func TestServer_CalibrationManual(t *testing.T) {
	server, deps := setupTestServer(t, nil)

	status, result := doRequest(t, server, "POST", "/api/calibration/manual", map[string]any{
		"angle_cam_lidar":    370,
		"distance_cam_lidar": 0.25,
	})
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if result["persisted"] != true {
		t.Errorf("expected persisted true, got %v", result["persisted"])
	}

	state := deps.Estimator.State()
	if state.AngularOffsetDeg != 10 || state.BaselineDistanceM != 0.25 || !state.IsCalibrated {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestServer_CalibrationManualInvalid(t *testing.T) {
	server, deps := setupTestServer(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing angle", map[string]any{"distance_cam_lidar": 0.1}},
		{"fov out of range", map[string]any{"angle_cam_lidar": 1, "camera_fov": 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := doRequest(t, server, "POST", "/api/calibration/manual", tt.body)
			if status != 400 {
				t.Errorf("expected status 400, got %d", status)
			}
		})
	}

	if deps.Estimator.State().IsCalibrated {
		t.Error("rejected requests must not calibrate")
	}
}

func TestServer_CalibrationNotPersisted(t *testing.T) {
	server, deps := setupTestServer(t, failingStore{})

	status, result := doRequest(t, server, "POST", "/api/calibration/manual", map[string]any{
		"angle_cam_lidar": 4,
	})
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if result["persisted"] != false {
		t.Errorf("expected persisted false, got %v", result["persisted"])
	}
	if _, ok := result["warning"]; !ok {
		t.Error("expected a warning")
	}
	if deps.Estimator.State().AngularOffsetDeg != 4 {
		t.Error("in-memory calibration should be kept")
	}
}

func TestServer_CalibrationEstimate(t *testing.T) {
	server, deps := setupTestServer(t, nil)

	status, result := doRequest(t, server, "POST", "/api/calibration/estimate", nil)
	if status != 409 {
		t.Fatalf("expected status 409 without points, got %d", status)
	}
	if result["required"].(float64) != calibration.MinPoints {
		t.Errorf("expected required %d, got %v", calibration.MinPoints, result["required"])
	}

	points := [][2]float64{{10, 15}, {-5, 0}, {20, 25}}
	for i, p := range points {
		status, result := doRequest(t, server, "POST", "/api/calibration/points", map[string]any{
			"camera_angle_deg": p[0],
			"lidar_angle_deg":  p[1],
			"lidar_distance_m": 2.0,
		})
		if status != 200 {
			t.Fatalf("point %d: expected status 200, got %d", i, status)
		}
		if result["points"].(float64) != float64(i+1) {
			t.Errorf("point %d: expected count %d, got %v", i, i+1, result["points"])
		}
	}

	status, result = doRequest(t, server, "POST", "/api/calibration/estimate", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if result["angular_offset_deg"].(float64) != 5 {
		t.Errorf("expected offset 5, got %v", result["angular_offset_deg"])
	}
	if !deps.Estimator.State().IsCalibrated {
		t.Error("expected calibrated after estimate")
	}

	status, _ = doRequest(t, server, "DELETE", "/api/calibration/points", nil)
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}
	if n := len(deps.Estimator.State().Points); n != 0 {
		t.Errorf("expected no points after clear, got %d", n)
	}
}

func TestServer_CalibrationPointFromFrame(t *testing.T) {
	server, deps := setupTestServer(t, nil)

	status, _ := doRequest(t, server, "POST", "/api/calibration/points", map[string]any{
		"lidar_angle_deg": 0.2,
	})
	if status != 409 {
		t.Errorf("expected status 409 without a frame, got %d", status)
	}

	deps.Runner.Step(context.Background())

	status, result := doRequest(t, server, "POST", "/api/calibration/points", map[string]any{
		"lidar_angle_deg": 0.2,
	})
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if result["lidar_distance_m"].(float64) != 1.5 {
		t.Errorf("expected distance from the scan, got %v", result["lidar_distance_m"])
	}
	if result["camera_angle_deg"].(float64) != 0 {
		t.Errorf("expected camera angle 0, got %v", result["camera_angle_deg"])
	}

	status, _ = doRequest(t, server, "POST", "/api/calibration/points", map[string]any{
		"lidar_angle_deg": 90,
	})
	if status != 409 {
		t.Errorf("expected status 409 with no scan sample, got %d", status)
	}

	status, _ = doRequest(t, server, "POST", "/api/calibration/points", map[string]any{})
	if status != 400 {
		t.Errorf("expected status 400 without lidar angle, got %d", status)
	}
}

func TestServer_CalibrationPointUsesEngineTolerance(t *testing.T) {
	_, deps := setupTestServer(t, nil)

	// Config still allows 2°, the engine only 0.1°
	deps.Engine = fusion.NewEngine(fusion.Config{ToleranceDeg: 0.1}, deps.Buffer, deps.Estimator, nil)
	server := New(config.Default(), deps, slog.Default(), "test")
	deps.Runner.Step(context.Background())

	status, _ := doRequest(t, server, "POST", "/api/calibration/points", map[string]any{
		"lidar_angle_deg": 1.0,
	})
	if status != 409 {
		t.Errorf("expected status 409 outside the engine tolerance, got %d", status)
	}

	status, result := doRequest(t, server, "POST", "/api/calibration/points", map[string]any{
		"lidar_angle_deg": 0.25,
	})
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if result["lidar_distance_m"].(float64) != 1.5 {
		t.Errorf("expected distance 1.5, got %v", result["lidar_distance_m"])
	}
}

func TestServer_CalibrationMode(t *testing.T) {
	server, deps := setupTestServer(t, nil)

	status, _ := doRequest(t, server, "POST", "/api/calibration/mode", map[string]any{"enabled": true})
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if !deps.Runner.CalibrationMode() {
		t.Error("expected calibration mode on")
	}

	_, result := doRequest(t, server, "GET", "/api/calibration", nil)
	if result["mode"] != true {
		t.Errorf("expected mode true, got %v", result["mode"])
	}
	if result["is_calibrated"] != false {
		t.Errorf("expected is_calibrated false, got %v", result["is_calibrated"])
	}
}

func TestServer_CalibrationHistory(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	status, _ := doRequest(t, server, "GET", "/api/calibration/history", nil)
	if status != 404 {
		t.Errorf("expected status 404 when disabled, got %d", status)
	}

	journal, err := history.Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("history.Open() error = %v", err)
	}
	defer journal.Close()

	err = journal.Record(context.Background(), calibration.Record{
		Kind:   "manual",
		Params: calibration.DefaultParams(),
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	server.deps.History = journal

	status, result := doRequest(t, server, "GET", "/api/calibration/history?limit=5", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
	if n := len(result["runs"].([]any)); n != 1 {
		t.Errorf("expected 1 run, got %d", n)
	}
}

func TestServer_Stats(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	server.AddStats("mqtt", func() any { return map[string]int{"published": 3} })

	status, result := doRequest(t, server, "GET", "/api/stats", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}

	for _, key := range []string{"buffer", "pipeline", "calibration", "mqtt"} {
		if _, ok := result[key]; !ok {
			t.Errorf("expected %s in stats", key)
		}
	}
}

func TestServer_Metrics(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	resp, err := server.app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	expectedMetrics := []string{
		"go_rangefuse_scan_rotations_total",
		"go_rangefuse_scan_samples 4",
		"go_rangefuse_frames_processed_total",
		"go_rangefuse_calibration_offset_degrees",
		"go_rangefuse_calibrated 0",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(string(body), metric) {
			t.Errorf("expected metric %s in response", metric)
		}
	}
}

func TestServer_Config(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	status, result := doRequest(t, server, "GET", "/api/config", nil)
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}

	serverCfg := result["server"].(map[string]any)
	if serverCfg["port"].(float64) != 9000 {
		t.Errorf("expected port 9000, got %v", serverCfg["port"])
	}
	fusionCfg := result["fusion"].(map[string]any)
	if fusionCfg["tolerance_deg"].(float64) != 2 {
		t.Errorf("expected tolerance 2, got %v", fusionCfg["tolerance_deg"])
	}
}

func TestServer_FusionStream_UpgradeRequired(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	status, _ := doRequest(t, server, "GET", "/api/fusion/stream", nil)
	if status != 426 {
		t.Errorf("expected status 426, got %d", status)
	}
}

func TestWSHub_HandleCommand(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	hub := server.WSHub()

	reply := hub.handleCommand([]byte(`{"type":"ping"}`))
	if reply == nil || reply.Type != "pong" {
		t.Fatalf("expected pong, got %+v", reply)
	}

	if reply := hub.handleCommand([]byte(`{"type":"unknown"}`)); reply != nil {
		t.Errorf("expected no reply, got %+v", reply)
	}
	if reply := hub.handleCommand([]byte(`not json`)); reply != nil {
		t.Errorf("expected no reply, got %+v", reply)
	}
}

func TestWSHub_CloseBeforeRun(t *testing.T) {
	_, deps := setupTestServer(t, nil)
	hub := NewWSHub(deps.Runner, slog.Default())
	hub.Close()

	done := make(chan struct{})
	go func() {
		hub.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	if got := deps.Runner.Stats().SubscriberCount; got != 0 {
		t.Errorf("expected no runner subscribers, got %d", got)
	}
}
