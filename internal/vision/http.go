package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// HTTPConfig holds detector service client configuration
type HTTPConfig struct {
	BaseURL             string        // Base URL of the detector service (e.g., "http://localhost:8500")
	Timeout             time.Duration // HTTP request timeout
	ConfidenceThreshold float64       // Detections below this are dropped
	Classes             []int         // Class IDs to keep (empty = all)
}

// DefaultHTTPConfig returns sensible defaults
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:             "http://localhost:8500",
		Timeout:             2 * time.Second,
		ConfidenceThreshold: 0.5,
	}
}

// wireDetection is the detector service's response item
type wireDetection struct {
	BBox       [4]float64 `json:"bbox"` // x1, y1, x2, y2 in pixels
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

// HTTPDetector posts JPEG frames to an external detector service
type HTTPDetector struct {
	cfg        HTTPConfig
	fov        func() float64
	logger     *slog.Logger
	httpClient *http.Client

	// Stats
	requests      atomic.Uint64
	requestErrors atomic.Uint64
	detections    atomic.Uint64
}

// NewHTTPDetector creates a detector client. fov supplies the current horizontal
// field of view in degrees and is read on every frame.
func NewHTTPDetector(cfg HTTPConfig, fov func() float64, logger *slog.Logger) *HTTPDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if fov == nil {
		fov = func() float64 { return 60.0 }
	}

	return &HTTPDetector{
		cfg:    cfg,
		fov:    fov,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name returns the detector type name
func (d *HTTPDetector) Name() string {
	return "http"
}

// Detect sends the frame to the detector service
func (d *HTTPDetector) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	if len(frame.JPEG) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("conf", strconv.FormatFloat(d.cfg.ConfidenceThreshold, 'f', -1, 64))
	if len(d.cfg.Classes) > 0 {
		ids := make([]string, len(d.cfg.Classes))
		for i, c := range d.cfg.Classes {
			ids[i] = strconv.Itoa(c)
		}
		q.Set("classes", strings.Join(ids, ","))
	}

	endpoint := d.cfg.BaseURL + "/detect?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(frame.JPEG))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	d.requests.Add(1)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.requestErrors.Add(1)
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		d.requestErrors.Add(1)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		d.requestErrors.Add(1)
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return d.convert(out.Detections, frame.Width), nil
}

func (d *HTTPDetector) convert(in []wireDetection, width int) []Detection {
	fov := d.fov()
	dets := make([]Detection, 0, len(in))

	for _, w := range in {
		if w.Confidence < d.cfg.ConfidenceThreshold || !d.classAllowed(w.ClassID) {
			continue
		}

		bbox := [4]int{int(w.BBox[0]), int(w.BBox[1]), int(w.BBox[2]), int(w.BBox[3])}
		det := NewDetection(bbox, w.ClassID, w.ClassName, w.Confidence, width, fov)
		if err := det.Validate(); err != nil {
			d.logger.Debug("dropping detection", "error", err)
			continue
		}
		dets = append(dets, det)
	}

	d.detections.Add(uint64(len(dets)))
	return dets
}

func (d *HTTPDetector) classAllowed(id int) bool {
	if len(d.cfg.Classes) == 0 {
		return true
	}
	for _, c := range d.cfg.Classes {
		if c == id {
			return true
		}
	}
	return false
}

// HTTPStats contains detector client statistics
type HTTPStats struct {
	Requests      uint64 `json:"requests"`
	RequestErrors uint64 `json:"request_errors"`
	Detections    uint64 `json:"detections"`
}

// GetStats returns detector client statistics
func (d *HTTPDetector) GetStats() HTTPStats {
	return HTTPStats{
		Requests:      d.requests.Load(),
		RequestErrors: d.requestErrors.Load(),
		Detections:    d.detections.Load(),
	}
}

// IsHealthy checks if the detector service is reachable
func (d *HTTPDetector) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", d.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
