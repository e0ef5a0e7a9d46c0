package vision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPixelToAngle(t *testing.T) {
	tests := []struct {
		name  string
		px    float64
		width int
		fov   float64
		want  float64
	}{
		{"center", 320, 640, 60, 0},
		{"right edge", 640, 640, 60, 30},
		{"left edge", 0, 640, 60, -30},
		{"quarter right", 480, 640, 60, 15},
		{"zero width", 100, 0, 60, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PixelToAngle(tt.px, tt.width, tt.fov)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PixelToAngle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewDetection(t *testing.T) {
	det := NewDetection([4]int{400, 100, 560, 300}, 0, "person", 0.9, 640, 60)

	if det.Center.X != 480 || det.Center.Y != 200 {
		t.Errorf("Center = %+v, want (480, 200)", det.Center)
	}
	if math.Abs(det.HorizontalAngleDeg-15) > 1e-9 {
		t.Errorf("HorizontalAngleDeg = %v, want 15", det.HorizontalAngleDeg)
	}
	if err := det.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestDetection_ValidateRejectsNonFinite(t *testing.T) {
	det := Detection{ClassName: "cup", HorizontalAngleDeg: math.NaN()}

	err := det.Validate()
	if !errors.Is(err, ErrInvalidDetection) {
		t.Errorf("Validate() error = %v, want ErrInvalidDetection", err)
	}
}

func TestClosestToCenter(t *testing.T) {
	dets := []Detection{
		{Center: Pixel{X: 10, Y: 10}},
		{Center: Pixel{X: 330, Y: 250}},
		{Center: Pixel{X: 600, Y: 240}},
	}

	if got := ClosestToCenter(dets, 640, 480); got != 1 {
		t.Errorf("ClosestToCenter() = %d, want 1", got)
	}
	if got := ClosestToCenter(nil, 640, 480); got != -1 {
		t.Errorf("ClosestToCenter(nil) = %d, want -1", got)
	}
}

func TestMockDetector(t *testing.T) {
	m := NewMockDetector(Detection{ClassName: "chair"})

	dets, err := m.Detect(context.Background(), Frame{})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 1 || dets[0].ClassName != "chair" {
		t.Errorf("Detect() = %+v", dets)
	}

	m.SetError(errors.New("boom"))
	if _, err := m.Detect(context.Background(), Frame{}); err == nil {
		t.Error("expected error")
	}
	if m.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", m.Calls())
	}
}

func TestHTTPDetector_Detect(t *testing.T) {
	var gotBody []byte
	var gotQuery string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" || r.Method != "POST" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotBody, _ = io.ReadAll(r.Body)
		gotQuery = r.URL.RawQuery

		json.NewEncoder(w).Encode(detectResponse{Detections: []wireDetection{
			{BBox: [4]float64{400, 100, 560, 300}, ClassID: 0, ClassName: "person", Confidence: 0.9},
			{BBox: [4]float64{0, 0, 10, 10}, ClassID: 0, ClassName: "person", Confidence: 0.2},
			{BBox: [4]float64{0, 0, 10, 10}, ClassID: 56, ClassName: "chair", Confidence: 0.8},
		}})
	}))
	defer server.Close()

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = server.URL
	cfg.Classes = []int{0}

	det := NewHTTPDetector(cfg, func() float64 { return 60 }, nil)

	dets, err := det.Detect(context.Background(), Frame{JPEG: []byte{0xFF, 0xD8}, Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if len(gotBody) != 2 {
		t.Errorf("expected JPEG body to be forwarded, got %d bytes", len(gotBody))
	}
	if gotQuery != "classes=0&conf=0.5" {
		t.Errorf("query = %q", gotQuery)
	}

	if len(dets) != 1 {
		t.Fatalf("expected 1 detection after filtering, got %d", len(dets))
	}
	if math.Abs(dets[0].HorizontalAngleDeg-15) > 1e-9 {
		t.Errorf("HorizontalAngleDeg = %v, want 15", dets[0].HorizontalAngleDeg)
	}

	stats := det.GetStats()
	if stats.Requests != 1 || stats.Detections != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHTTPDetector_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model not loaded"))
	}))
	defer server.Close()

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = server.URL
	det := NewHTTPDetector(cfg, nil, nil)

	_, err := det.Detect(context.Background(), Frame{JPEG: []byte{1}, Width: 10})
	if err == nil {
		t.Fatal("expected error")
	}
	if det.GetStats().RequestErrors != 1 {
		t.Errorf("RequestErrors = %d, want 1", det.GetStats().RequestErrors)
	}
	if det.IsHealthy(context.Background()) {
		t.Error("expected unhealthy detector")
	}
}

func TestHTTPDetector_EmptyFrameSkipsRequest(t *testing.T) {
	det := NewHTTPDetector(DefaultHTTPConfig(), nil, nil)

	dets, err := det.Detect(context.Background(), Frame{})
	if err != nil || dets != nil {
		t.Errorf("Detect(empty) = %v, %v", dets, err)
	}
	if det.GetStats().Requests != 0 {
		t.Error("expected no request for an empty frame")
	}
}
