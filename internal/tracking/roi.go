package tracking

import (
	"bytes"
	"image"
	"image/jpeg"

	"passage/internal/store"
)

// ROI rectangles are authored against a fixed canvas and projected onto the
// live frame at crop time. Projection only scales when the frame is at least
// scaleTrigger times the canvas width; smaller frames use the coordinates as
// written.
const (
	canvasWidth  = 320
	canvasHeight = 240
	scaleTrigger = 1.5
)

// Rect is an axis-aligned rectangle in frame pixel space.
type Rect struct {
	X1, Y1, X2, Y2 int
}

// Empty reports whether the rectangle encloses no pixels.
func (r Rect) Empty() bool { return r.X2 <= r.X1 || r.Y2 <= r.Y1 }

// Contains reports whether the point lies inside the rectangle. Points on
// the edges count as inside.
func (r Rect) Contains(x, y float64) bool {
	return x >= float64(r.X1) && x <= float64(r.X2) &&
		y >= float64(r.Y1) && y <= float64(r.Y2)
}

// covers reports whether the rectangle spans the whole frame.
func (r Rect) covers(frameW, frameH int) bool {
	return r.X1 == 0 && r.Y1 == 0 && r.X2 == frameW && r.Y2 == frameH
}

// fullFrame is the rectangle used when a camera has no ROI configured or the
// projected ROI collapses.
func fullFrame(frameW, frameH int) Rect {
	return Rect{X2: frameW, Y2: frameH}
}

// ProjectROI maps a canvas-space ROI onto a frame, clamping to the frame
// bounds. A rectangle that ends up empty falls back to the full frame. The
// returned rectangle's top-left corner is the crop offset detections are
// translated by afterwards.
func ProjectROI(cfg *store.ROIConfig, frameW, frameH int) Rect {
	r := Rect{X1: cfg.X1, Y1: cfg.Y1, X2: cfg.X2, Y2: cfg.Y2}

	if float64(frameW) >= scaleTrigger*canvasWidth {
		sx := float64(frameW) / canvasWidth
		sy := float64(frameH) / canvasHeight
		r = Rect{
			X1: int(float64(cfg.X1) * sx),
			Y1: int(float64(cfg.Y1) * sy),
			X2: int(float64(cfg.X2) * sx),
			Y2: int(float64(cfg.Y2) * sy),
		}
	}

	if r.X1 < 0 {
		r.X1 = 0
	}
	if r.Y1 < 0 {
		r.Y1 = 0
	}
	if r.X2 > frameW {
		r.X2 = frameW
	}
	if r.Y2 > frameH {
		r.Y2 = frameH
	}

	if r.Empty() {
		return fullFrame(frameW, frameH)
	}
	return r
}

// cropJPEG returns the frame restricted to r, re-encoded as JPEG. A rect
// covering the whole frame passes the original bytes through untouched.
func cropJPEG(data []byte, r Rect, frameW, frameH int) ([]byte, error) {
	if r.covers(frameW, frameH) {
		return data, nil
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return data, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, sub.SubImage(image.Rect(r.X1, r.Y1, r.X2, r.Y2)), &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
