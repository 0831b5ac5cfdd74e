package api

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"passage/internal/source"
	"passage/internal/store"
	"passage/internal/tracking"
)

// framePacing caps the stream near 20 fps regardless of the capture rate.
const framePacing = 50 * time.Millisecond

var (
	roiColor   = color.RGBA{G: 255, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// handleVideoFeed serves an MJPEG stream of the camera's freshest frames.
// When an ROI is configured the projected rectangle and the latest committed
// direction are drawn onto each frame.
func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")

	src, ok := s.deps.Registry.Get(cameraID)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("Camera %s not found", cameraID))
		return
	}
	if src.State() == source.StateFailed {
		respondError(w, http.StatusGone, fmt.Sprintf("Camera %s has failed", cameraID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// ROI changes apply to streams opened after the change.
	roi, err := s.deps.Store.GetCameraConfig(cameraID)
	if err != nil {
		s.log.WithError(err).WithField("camera_id", cameraID).Warn("Failed to load ROI for stream overlay")
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log := s.log.WithField("camera_id", cameraID)
	log.Debug("Stream client connected")
	defer log.Debug("Stream client disconnected")

	ticker := time.NewTicker(framePacing)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			frame := src.Latest()
			if frame == nil || frame.Seq == lastSeq {
				continue
			}
			lastSeq = frame.Seq

			data := frame.Data
			if roi != nil {
				data = s.annotate(data, roi, cameraID)
			}

			fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data))
			if _, err := w.Write(data); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// annotate draws the projected ROI and direction label. A frame that fails
// to decode passes through untouched.
func (s *Server) annotate(jpegData []byte, cfg *store.ROIConfig, cameraID string) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	rect := tracking.ProjectROI(cfg, bounds.Dx(), bounds.Dy())
	drawBox(rgba, rect.X1, rect.Y1, rect.X2-rect.X1, rect.Y2-rect.Y1, roiColor, 2)

	if worker, ok := s.deps.Tracker.Get(cameraID); ok {
		st := worker.Status()
		if st.Direction != "" {
			drawLabel(rgba, rect.X1, rect.Y1-5, st.Direction, labelColor)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

// drawBox draws a rectangle outline clamped to the image bounds.
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+t >= 0 && y+t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+t, c)
			}
			if y+h-t >= 0 && y+h-t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+h-t, c)
			}
		}
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+t >= 0 && x+t < bounds.Max.X && j >= 0 {
				img.Set(x+t, j, c)
			}
			if x+w-t >= 0 && x+w-t < bounds.Max.X && j >= 0 {
				img.Set(x+w-t, j, c)
			}
		}
	}
}

// drawLabel draws text over a black backing rectangle.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	bgColor := color.RGBA{A: 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
