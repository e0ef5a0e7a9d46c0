package rplidar

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestDecodeNode(t *testing.T) {
	// quality 15, start, angle 90.5°, distance 1234.25 mm
	raw := []byte{0x3D, 0x41, 0x2D, 0x49, 0x13}

	n, err := decodeNode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !n.start {
		t.Error("expected start flag")
	}
	if n.quality != 15 {
		t.Errorf("expected quality 15, got %d", n.quality)
	}
	if n.angleDeg != 90.5 {
		t.Errorf("expected angle 90.5, got %f", n.angleDeg)
	}
	if n.distanceMM != 1234.25 {
		t.Errorf("expected distance 1234.25, got %f", n.distanceMM)
	}

	if !bytes.Equal(encodeNode(n), raw) {
		t.Errorf("encode mismatch: % X", encodeNode(n))
	}
}

func TestDecodeNode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"both flags set", []byte{0x03, 0x01, 0x00, 0x00, 0x00}, errStartFlag},
		{"no flags set", []byte{0x00, 0x01, 0x00, 0x00, 0x00}, errStartFlag},
		{"check bit clear", []byte{0x3D, 0x40, 0x2D, 0x49, 0x13}, errCheckBit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeNode(tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReadDescriptor(t *testing.T) {
	if err := readDescriptor(bytes.NewReader(scanDescriptor)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := []byte{0xA5, 0x5A, 0x14, 0x00, 0x00, 0x00, 0x04}
	if err := readDescriptor(bytes.NewReader(bad)); !errors.Is(err, errDescriptor) {
		t.Errorf("expected descriptor error, got %v", err)
	}

	if err := readDescriptor(bytes.NewReader(scanDescriptor[:3])); err == nil {
		t.Error("expected error on short descriptor")
	}
}

// stream builds a byte stream of rotations; each inner slice starts a new
// rotation with its first node
func stream(rotations ...[]node) []byte {
	var buf bytes.Buffer
	for _, rot := range rotations {
		for i, n := range rot {
			n.start = i == 0
			buf.Write(encodeNode(n))
		}
	}
	return buf.Bytes()
}

func sweep(count int, from float64) []node {
	nodes := make([]node, count)
	for i := range nodes {
		nodes[i] = node{quality: 10, angleDeg: from + float64(i), distanceMM: 1000 + float64(i)}
	}
	return nodes
}

func TestRotationReader_SplitsOnStartFlag(t *testing.T) {
	short := sweep(3, 0)
	withGaps := sweep(10, 100)
	withGaps[3].quality = 0
	withGaps[6].distanceMM = 0

	data := stream(sweep(7, 0), short, withGaps, sweep(1, 0))
	rr := newRotationReader(bytes.NewReader(data), 5)

	first, err := rr.next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 7 {
		t.Fatalf("expected 7 samples, got %d", len(first))
	}
	if first[6].AngleDeg != 6 || first[6].DistanceMM != 1006 {
		t.Errorf("unexpected last sample: %+v", first[6])
	}

	// The 3-sample rotation is dropped
	second, err := rr.next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 8 {
		t.Fatalf("expected 8 samples, got %d", len(second))
	}
	if second[0].AngleDeg != 100 {
		t.Errorf("expected rotation to start at 100, got %f", second[0].AngleDeg)
	}
	for _, s := range second {
		if s.Quality == 0 || s.DistanceMM == 0 {
			t.Errorf("expected empty returns to be dropped, got %+v", s)
		}
	}

	if _, err := rr.next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestRotationReader_Resyncs(t *testing.T) {
	data := append([]byte{0x03, 0x03}, stream(sweep(8, 0), sweep(1, 0))...)
	rr := newRotationReader(bytes.NewReader(data), 5)

	rot, err := rr.next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rot) != 8 {
		t.Errorf("expected 8 samples, got %d", len(rot))
	}
	if rr.skipped != 2 {
		t.Errorf("expected 2 skipped bytes, got %d", rr.skipped)
	}
}

func TestRotationReader_StreamLost(t *testing.T) {
	garbage := bytes.Repeat([]byte{0x03}, maxBadNodes+nodeBytes+1)
	rr := newRotationReader(bytes.NewReader(garbage), 5)

	if _, err := rr.next(); !errors.Is(err, errStreamLost) {
		t.Errorf("expected stream lost, got %v", err)
	}
}

type silentReader struct{}

func (silentReader) Read(p []byte) (int, error) { return 0, nil }

func TestStallReader(t *testing.T) {
	r := &stallReader{r: silentReader{}, stall: 20 * time.Millisecond, ctx: context.Background()}

	if _, err := r.Read(make([]byte, 5)); !errors.Is(err, errLinkStalled) {
		t.Errorf("expected stall error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.ctx = ctx

	if _, err := r.Read(make([]byte, 5)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMockSource_Room(t *testing.T) {
	source := NewMockSource()
	source.SetPeriod(0)

	rot, err := source.NextRotation(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rot) != 360 {
		t.Fatalf("expected 360 samples, got %d", len(rot))
	}
	if rot[0].DistanceMM != 3000 {
		t.Errorf("expected 3000 mm at 0°, got %f", rot[0].DistanceMM)
	}
	if rot[90].DistanceMM != 2000 {
		t.Errorf("expected 2000 mm at 90°, got %f", rot[90].DistanceMM)
	}

	if source.Rotations() != 1 {
		t.Errorf("expected 1 rotation, got %d", source.Rotations())
	}
	if source.Name() != "mock" {
		t.Errorf("expected name 'mock', got %s", source.Name())
	}
}

func TestMockSource_Objects(t *testing.T) {
	source := NewMockSourceWithObjects(Object{AngleDeg: 10, DistanceM: 1, WidthDeg: 4})
	source.SetPeriod(0)

	rot, err := source.NextRotation(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, s := range rot[8:13] {
		if s.DistanceMM != 1000 {
			t.Errorf("expected object at %f°, got %f mm", s.AngleDeg, s.DistanceMM)
		}
	}
	if rot[13].DistanceMM == 1000 {
		t.Error("expected object to end at 12°")
	}

	source.SetObjects()
	rot, _ = source.NextRotation(context.Background())
	if rot[10].DistanceMM == 1000 {
		t.Error("expected object to be removed")
	}
}

func TestMockSource_Failures(t *testing.T) {
	source := NewMockSource()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := source.NextRotation(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	source.SetPeriod(0)
	source.Fail(nil)
	if _, err := source.NextRotation(context.Background()); err == nil {
		t.Error("expected simulated failure")
	}
	if source.Healthy() {
		t.Error("expected unhealthy after failure")
	}
}
