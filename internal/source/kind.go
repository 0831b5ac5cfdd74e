package source

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind discriminates how a camera source descriptor is opened.
type Kind int

const (
	// KindUSB is a local V4L2 capture device.
	KindUSB Kind = iota
	// KindNetwork is an RTSP or HTTP(S) stream.
	KindNetwork
	// KindFile is a video file, replayed in a loop at its declared rate.
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindUSB:
		return "usb"
	case KindNetwork:
		return "network"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// videoExtensions lists the file suffixes treated as replayable clips.
var videoExtensions = map[string]bool{
	".mp4": true,
	".avi": true,
	".mov": true,
	".mkv": true,
}

// Descriptor is the parsed form of a camera source string.
type Descriptor struct {
	// Raw is the descriptor as the caller supplied it, trimmed.
	Raw string
	// Kind selects the capture backend.
	Kind Kind
	// Device is the normalized open target: a /dev/video* path for USB
	// devices, the URL for network streams, the file path for clips.
	Device string
	// Index is the USB device index, -1 for non-USB sources.
	Index int
}

// ParseDescriptor classifies a camera source string.
//
// Bare integers and /dev/video* paths map to USB devices, rtsp:// and
// http(s):// URLs to network streams, and paths ending in a known video
// extension to looped files. Anything else is rejected.
func ParseDescriptor(raw string) (Descriptor, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Descriptor{}, fmt.Errorf("empty camera source")
	}

	if idx, err := strconv.Atoi(s); err == nil {
		if idx < 0 {
			return Descriptor{}, fmt.Errorf("invalid device index %d", idx)
		}
		return Descriptor{
			Raw:    s,
			Kind:   KindUSB,
			Device: fmt.Sprintf("/dev/video%d", idx),
			Index:  idx,
		}, nil
	}

	if strings.HasPrefix(s, "/dev/video") {
		idx := -1
		if n, err := strconv.Atoi(strings.TrimPrefix(s, "/dev/video")); err == nil {
			idx = n
		}
		return Descriptor{Raw: s, Kind: KindUSB, Device: s, Index: idx}, nil
	}

	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "rtsp://") ||
		strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") {
		return Descriptor{Raw: s, Kind: KindNetwork, Device: s, Index: -1}, nil
	}

	if videoExtensions[strings.ToLower(filepath.Ext(s))] {
		return Descriptor{Raw: s, Kind: KindFile, Device: s, Index: -1}, nil
	}

	return Descriptor{}, fmt.Errorf("unsupported camera source %q", raw)
}
