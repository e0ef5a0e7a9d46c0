// Package protocol defines the JSON messages streamed to dashboards, the
// uplink collector and MQTT subscribers.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
	"github.com/teslashibe/go-rangefuse/internal/fusion"
	"github.com/teslashibe/go-rangefuse/internal/scan"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

// MessageType identifies the type of message
type MessageType string

const (
	TypeFusion      MessageType = "fusion"      // Fused detections for one frame
	TypeScan        MessageType = "scan"        // One scanner rotation
	TypeCalibration MessageType = "calibration" // Calibration state changed
	TypeFrame       MessageType = "frame"       // Annotated video frame

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the envelope for all messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// FusedObject is one detection with its optional scanner measurement
type FusedObject struct {
	Index          int         `json:"index"`
	ClassID        int         `json:"class_id"`
	ClassName      string      `json:"class_name"`
	Confidence     float64     `json:"confidence"`
	BBox           [4]int      `json:"bbox"`
	CameraAngleDeg float64     `json:"camera_angle_deg"`
	LidarAngleDeg  *float64    `json:"lidar_angle_deg,omitempty"`
	DistanceM      *float64    `json:"distance_m,omitempty"`
	Position       *[3]float64 `json:"position_m,omitempty"`
}

// FusionData contains the fusion result of one frame
type FusionData struct {
	FrameID      uint64        `json:"frame_id"`
	Timestamp    time.Time     `json:"timestamp"`
	ScanRotation uint64        `json:"scan_rotation"`
	Fused        int           `json:"fused"`
	Objects      []FusedObject `json:"objects"`
}

// NewFusionData flattens detections and their fused measurements, in detection order
func NewFusionData(dets []vision.Detection, res fusion.Result) FusionData {
	data := FusionData{
		FrameID:      res.FrameID,
		Timestamp:    res.Timestamp,
		ScanRotation: res.ScanRotation,
		Fused:        res.Len(),
		Objects:      make([]FusedObject, 0, len(dets)),
	}

	for i, d := range dets {
		obj := FusedObject{
			Index:          i,
			ClassID:        d.ClassID,
			ClassName:      d.ClassName,
			Confidence:     d.Confidence,
			BBox:           d.BBox,
			CameraAngleDeg: d.HorizontalAngleDeg,
		}
		if f, ok := res.Objects[i]; ok {
			dist, angle := f.DistanceM, f.LidarAngleDeg
			pos := [3]float64{f.Position.X, f.Position.Y, f.Position.Z}
			obj.DistanceM = &dist
			obj.LidarAngleDeg = &angle
			obj.Position = &pos
		}
		data.Objects = append(data.Objects, obj)
	}
	return data
}

// NewFusionMessage creates a fusion message
func NewFusionMessage(dets []vision.Detection, res fusion.Result) (*Message, error) {
	return NewMessage(TypeFusion, NewFusionData(dets, res))
}

// Bucket is the minimum range within one angular bucket
type Bucket struct {
	AngleDeg  float64 `json:"angle_deg"`
	DistanceM float64 `json:"distance_m"`
}

// Buckets converts bucketed minima to a list sorted by angle
func Buckets(minima map[float64]float64) []Bucket {
	out := make([]Bucket, 0, len(minima))
	for angle, dist := range minima {
		out = append(out, Bucket{AngleDeg: angle, DistanceM: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AngleDeg < out[j].AngleDeg })
	return out
}

// ScanData contains a scanner rotation, downsampled into buckets
type ScanData struct {
	Rotation    uint64    `json:"rotation"`
	CapturedAt  time.Time `json:"captured_at"`
	SampleCount int       `json:"sample_count"`
	StepDeg     float64   `json:"step_deg"`
	Buckets     []Bucket  `json:"buckets"`
}

// NewScanMessage creates a scan message with full-circle buckets of stepDeg
func NewScanMessage(snap scan.Snapshot, stepDeg float64) (*Message, error) {
	return NewMessage(TypeScan, ScanData{
		Rotation:    snap.Rotation,
		CapturedAt:  snap.CapturedAt,
		SampleCount: len(snap.Samples),
		StepDeg:     stepDeg,
		Buckets:     Buckets(scan.BucketedMinima(snap, 0, 0, stepDeg)),
	})
}

// CalibrationData contains the calibration state without the point list
type CalibrationData struct {
	AngularOffsetDeg  float64 `json:"angular_offset_deg"`
	BaselineDistanceM float64 `json:"baseline_distance_m"`
	CameraFOVDeg      float64 `json:"camera_fov_deg"`
	IsCalibrated      bool    `json:"is_calibrated"`
	PointCount        int     `json:"point_count"`
}

// NewCalibrationData summarizes a calibration state
func NewCalibrationData(s calibration.State) CalibrationData {
	return CalibrationData{
		AngularOffsetDeg:  s.AngularOffsetDeg,
		BaselineDistanceM: s.BaselineDistanceM,
		CameraFOVDeg:      s.CameraFOVDeg,
		IsCalibrated:      s.IsCalibrated,
		PointCount:        len(s.Points),
	}
}

// NewCalibrationMessage creates a calibration message
func NewCalibrationMessage(s calibration.State) (*Message, error) {
	return NewMessage(TypeCalibration, NewCalibrationData(s))
}

// FrameData contains an annotated video frame
type FrameData struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"`
	Data    string `json:"data"`
	FrameID uint64 `json:"frame_id,omitempty"`
}

// NewFrameMessage creates a frame message from raw JPEG data
func NewFrameMessage(width, height int, jpegData []byte, frameID uint64) (*Message, error) {
	return NewMessage(TypeFrame, FrameData{
		Width:   width,
		Height:  height,
		Format:  "jpeg",
		Data:    base64.StdEncoding.EncodeToString(jpegData),
		FrameID: frameID,
	})
}

// DecodeFrame decodes the base64 JPEG data
func (f *FrameData) DecodeFrame() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}
