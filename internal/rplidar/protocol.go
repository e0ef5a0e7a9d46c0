// Package rplidar reads rotations from an RPLIDAR A1-class range scanner
package rplidar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/teslashibe/go-rangefuse/internal/scan"
)

// Serial protocol constants
const (
	syncByte  = 0xA5
	cmdStop   = 0x25
	cmdScan   = 0x20
	nodeBytes = 5

	// maxBadNodes bounds how many undecodable nodes are skipped in a row
	// before the stream is considered lost
	maxBadNodes = 2000
)

// scanDescriptor is the response header to a SCAN request
var scanDescriptor = []byte{0xA5, 0x5A, 0x05, 0x00, 0x00, 0x40, 0x81}

var (
	errStartFlag   = errors.New("start flag mismatch")
	errCheckBit    = errors.New("check bit not set")
	errDescriptor  = errors.New("unexpected scan response descriptor")
	errStreamLost  = errors.New("too many malformed measurement nodes")
	errLinkStalled = errors.New("no data from scanner")
)

// request encodes a command without payload
func request(cmd byte) []byte {
	return []byte{syncByte, cmd}
}

// node is one decoded measurement
type node struct {
	start      bool
	quality    int
	angleDeg   float64
	distanceMM float64
}

// decodeNode parses a 5-byte measurement node:
//
//	byte 0: quality(6) | !S | S
//	byte 1: angle_q6[6:0] | C (always 1)
//	byte 2: angle_q6[14:7]
//	byte 3-4: distance_q2, little endian
func decodeNode(b []byte) (node, error) {
	start := b[0]&0x01 != 0
	inverse := b[0]&0x02 != 0
	if start == inverse {
		return node{}, errStartFlag
	}
	if b[1]&0x01 != 1 {
		return node{}, errCheckBit
	}

	angleQ6 := uint16(b[1]>>1) | uint16(b[2])<<7
	distQ2 := binary.LittleEndian.Uint16(b[3:5])

	return node{
		start:      start,
		quality:    int(b[0] >> 2),
		angleDeg:   float64(angleQ6) / 64.0,
		distanceMM: float64(distQ2) / 4.0,
	}, nil
}

// encodeNode is the inverse of decodeNode
func encodeNode(n node) []byte {
	b := make([]byte, nodeBytes)

	b[0] = byte(n.quality&0x3F) << 2
	if n.start {
		b[0] |= 0x01
	} else {
		b[0] |= 0x02
	}

	angleQ6 := uint16(n.angleDeg * 64)
	b[1] = byte(angleQ6<<1) | 0x01
	b[2] = byte(angleQ6 >> 7)

	binary.LittleEndian.PutUint16(b[3:5], uint16(n.distanceMM*4))
	return b
}

// readDescriptor consumes and checks the SCAN response descriptor
func readDescriptor(r io.Reader) error {
	got := make([]byte, len(scanDescriptor))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}
	if !bytes.Equal(got, scanDescriptor) {
		return fmt.Errorf("%w: % X", errDescriptor, got)
	}
	return nil
}

// rotationReader groups measurement nodes into full rotations
type rotationReader struct {
	r      io.Reader
	minLen int

	window   []byte
	pending  []scan.RawSample
	badNodes int
	skipped  uint64
}

func newRotationReader(r io.Reader, minLen int) *rotationReader {
	return &rotationReader{
		r:      r,
		minLen: minLen,
		window: make([]byte, 0, nodeBytes),
	}
}

// readNode returns the next valid node, sliding one byte at a time past
// corrupted data until the stream realigns
func (rr *rotationReader) readNode() (node, error) {
	for {
		need := nodeBytes - len(rr.window)
		if need > 0 {
			buf := make([]byte, need)
			if _, err := io.ReadFull(rr.r, buf); err != nil {
				return node{}, err
			}
			rr.window = append(rr.window, buf...)
		}

		n, err := decodeNode(rr.window)
		if err == nil {
			rr.window = rr.window[:0]
			rr.badNodes = 0
			return n, nil
		}

		rr.badNodes++
		rr.skipped++
		if rr.badNodes > maxBadNodes {
			return node{}, fmt.Errorf("%w: last error %v", errStreamLost, err)
		}
		rr.window = append(rr.window[:0], rr.window[1:]...)
	}
}

// next returns the next complete rotation. Nodes with zero quality or zero
// distance carry no return and are dropped. A rotation ends when a start
// flag arrives; rotations with minLen samples or fewer are discarded.
func (rr *rotationReader) next() ([]scan.RawSample, error) {
	for {
		n, err := rr.readNode()
		if err != nil {
			return nil, err
		}

		var done []scan.RawSample
		if n.start {
			if len(rr.pending) > rr.minLen {
				done = rr.pending
			}
			rr.pending = make([]scan.RawSample, 0, 400)
		}

		if n.quality > 0 && n.distanceMM > 0 {
			rr.pending = append(rr.pending, scan.RawSample{
				Quality:    n.quality,
				AngleDeg:   n.angleDeg,
				DistanceMM: n.distanceMM,
			})
		}

		if done != nil {
			return done, nil
		}
	}
}
