package protocol

import (
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
	"github.com/teslashibe/go-rangefuse/internal/fusion"
	"github.com/teslashibe/go-rangefuse/internal/scan"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	if msg.Type != TypePing {
		t.Errorf("Type = %v, want %v", msg.Type, TypePing)
	}
	if msg.Timestamp == 0 {
		t.Error("Timestamp should be set")
	}
	if msg.Data != nil {
		t.Error("Data should be empty for nil payload")
	}
}

func TestFusionMessageRoundTrip(t *testing.T) {
	dets := []vision.Detection{
		{ClassName: "person", ClassID: 0, Confidence: 0.9, HorizontalAngleDeg: 10},
		{ClassName: "chair", ClassID: 56, Confidence: 0.6, HorizontalAngleDeg: -20},
	}
	res := fusion.Result{
		FrameID:      7,
		Timestamp:    time.Now(),
		ScanRotation: 3,
		Objects: map[int]fusion.Object{
			0: {DistanceM: 2.0, LidarAngleDeg: 15, Position: r3.Vec{X: 1.9, Y: 0.5}},
		},
	}

	msg, err := NewFusionMessage(dets, res)
	if err != nil {
		t.Fatalf("NewFusionMessage() error = %v", err)
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Type != TypeFusion {
		t.Errorf("Type = %v, want %v", parsed.Type, TypeFusion)
	}

	var data FusionData
	if err := parsed.ParseData(&data); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}

	if data.FrameID != 7 || data.ScanRotation != 3 || data.Fused != 1 {
		t.Errorf("unexpected header: %+v", data)
	}
	if len(data.Objects) != 2 {
		t.Fatalf("len(Objects) = %d, want 2", len(data.Objects))
	}

	first := data.Objects[0]
	if first.DistanceM == nil || *first.DistanceM != 2.0 {
		t.Errorf("DistanceM = %v, want 2.0", first.DistanceM)
	}
	if first.Position == nil || first.Position[0] != 1.9 {
		t.Errorf("Position = %v, want x=1.9", first.Position)
	}

	second := data.Objects[1]
	if second.DistanceM != nil || second.LidarAngleDeg != nil {
		t.Error("unfused detection should carry no measurement")
	}
	if second.ClassName != "chair" || second.CameraAngleDeg != -20 {
		t.Errorf("unexpected detection: %+v", second)
	}
}

func TestBuckets_SortedByAngle(t *testing.T) {
	got := Buckets(map[float64]float64{358: 1, 0: 2, 2: 3})

	want := []Bucket{{0, 2}, {2, 3}, {358, 1}}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestNewScanMessage(t *testing.T) {
	snap := scan.Snapshot{
		Rotation: 4,
		Samples: []scan.Sample{
			{AngleDeg: 0.2, DistanceM: 1.5},
			{AngleDeg: 0.4, DistanceM: 1.2},
			{AngleDeg: 180, DistanceM: 3},
		},
	}

	msg, err := NewScanMessage(snap, 1)
	if err != nil {
		t.Fatalf("NewScanMessage() error = %v", err)
	}

	var data ScanData
	if err := msg.ParseData(&data); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}

	if data.Rotation != 4 || data.SampleCount != 3 {
		t.Errorf("unexpected header: %+v", data)
	}
	if len(data.Buckets) != 2 {
		t.Fatalf("len(Buckets) = %d, want 2", len(data.Buckets))
	}
	if data.Buckets[0] != (Bucket{AngleDeg: 0, DistanceM: 1.2}) {
		t.Errorf("Buckets[0] = %+v", data.Buckets[0])
	}
}

func TestNewCalibrationMessage(t *testing.T) {
	state := calibration.State{
		AngularOffsetDeg:  4.5,
		BaselineDistanceM: 0.1,
		CameraFOVDeg:      60,
		IsCalibrated:      true,
		Points:            make([]calibration.Point, 2),
	}

	msg, err := NewCalibrationMessage(state)
	if err != nil {
		t.Fatalf("NewCalibrationMessage() error = %v", err)
	}

	var data CalibrationData
	if err := msg.ParseData(&data); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}

	if data.AngularOffsetDeg != 4.5 || !data.IsCalibrated || data.PointCount != 2 {
		t.Errorf("unexpected data: %+v", data)
	}
}

func TestNewFrameMessage(t *testing.T) {
	jpegData := []byte{0xFF, 0xD8, 0xFF, 0xE0}

	msg, err := NewFrameMessage(1920, 1080, jpegData, 42)
	if err != nil {
		t.Fatalf("NewFrameMessage() error = %v", err)
	}

	var frameData FrameData
	if err := msg.ParseData(&frameData); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}

	if frameData.Width != 1920 || frameData.FrameID != 42 {
		t.Errorf("unexpected frame: %+v", frameData)
	}

	decoded, err := frameData.DecodeFrame()
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if string(decoded) != string(jpegData) {
		t.Error("decoded frame mismatch")
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	if _, err := ParseMessage([]byte("{")); err == nil {
		t.Error("ParseMessage() should fail on malformed JSON")
	}
}
