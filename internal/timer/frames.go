// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package timer decodes shot-timer frames and normalizes them into events
// with monotonic timestamps. Vendor byte layouts stay inside their decoder;
// everything downstream works on the tagged Frame variant.
package timer

import (
	"errors"
	"fmt"
	"sync"
)

// Kind classifies a decoded frame.
type Kind string

const (
	KindStart   Kind = "start"
	KindShot    Kind = "shot"
	KindStop    Kind = "stop"
	KindUnknown Kind = "unknown"
)

// ErrFrameTooShort is returned when a frame cannot carry even a header.
var ErrFrameTooShort = errors.New("timer: frame too short")

// Frame is the vendor-independent parse result. Unknown frames keep their
// raw bytes so new firmware can be reverse-engineered offline later.
type Frame struct {
	Kind Kind

	ShotNumber   int
	StringNumber int

	ElapsedSeconds float64
	SplitSeconds   float64

	Raw []byte
}

// Decoder turns one vendor's raw frame bytes into a Frame. Decoders must
// map unrecognized-but-well-formed frames to KindUnknown rather than fail;
// only frames too short to classify are errors.
type Decoder interface {
	Vendor() string

	// FrameLen is the fixed on-wire frame size; the serial transport reads
	// in chunks of this size.
	FrameLen() int

	Decode(raw []byte) (Frame, error)
}

// Registry holds decoders keyed by vendor name.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry returns a Registry with the built-in decoders registered.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	r.Register(&AMGDecoder{})
	return r
}

// Register adds or replaces a decoder.
func (r *Registry) Register(d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[d.Vendor()] = d
}

// Decoder returns the decoder for a vendor.
func (r *Registry) Decoder(vendor string) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[vendor]
	if !ok {
		return nil, fmt.Errorf("timer: no decoder registered for vendor %q", vendor)
	}
	return d, nil
}

// AMG Commander frame layout:
//
//	byte 0    signature 0x01
//	byte 1    subtype: 0x05 start, 0x03 shot, 0x08 stop
//	byte 2    shot number
//	byte 3    string number
//	bytes 4-5 elapsed time, big-endian centiseconds
//	bytes 6-7 split time, big-endian centiseconds
const (
	amgSignature    = 0x01
	amgSubtypeStart = 0x05
	amgSubtypeShot  = 0x03
	amgSubtypeStop  = 0x08
	amgFrameLen     = 8
)

// AMGDecoder decodes AMG Commander style frames.
type AMGDecoder struct{}

// Vendor implements Decoder.
func (d *AMGDecoder) Vendor() string { return "amg" }

// FrameLen implements Decoder.
func (d *AMGDecoder) FrameLen() int { return amgFrameLen }

// Decode implements Decoder.
func (d *AMGDecoder) Decode(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(raw))
	}
	if raw[0] != amgSignature {
		return unknownFrame(raw), nil
	}

	switch raw[1] {
	case amgSubtypeStart, amgSubtypeShot, amgSubtypeStop:
		if len(raw) < amgFrameLen {
			return Frame{}, fmt.Errorf("%w: %d bytes for subtype 0x%02X", ErrFrameTooShort, len(raw), raw[1])
		}
	default:
		// New firmware: record, don't reject.
		return unknownFrame(raw), nil
	}

	f := Frame{
		ShotNumber:     int(raw[2]),
		StringNumber:   int(raw[3]),
		ElapsedSeconds: centiseconds(raw[4], raw[5]),
		SplitSeconds:   centiseconds(raw[6], raw[7]),
	}
	switch raw[1] {
	case amgSubtypeStart:
		f.Kind = KindStart
	case amgSubtypeShot:
		f.Kind = KindShot
	case amgSubtypeStop:
		f.Kind = KindStop
	}
	return f, nil
}

func centiseconds(hi, lo byte) float64 {
	return float64(uint16(hi)<<8|uint16(lo)) / 100.0
}

func unknownFrame(raw []byte) Frame {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Frame{Kind: KindUnknown, Raw: cp}
}
