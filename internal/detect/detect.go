package detect

import "context"

// Detection is one object reported by the inference service. BBox is
// [x1, y1, x2, y2] in the coordinates of the submitted image. TrackID
// is assigned by the service's persistent tracker and is nil when
// tracking did not latch onto the object; such detections are useless
// for direction analysis and get discarded upstream.
type Detection struct {
	ClassID    int       `json:"class_id"`
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
	TrackID    *int      `json:"track_id,omitempty"`
}

// Centroid returns the center point of the detection's bounding box.
func (d Detection) Centroid() (x, y float64) {
	if len(d.BBox) < 4 {
		return 0, 0
	}
	return (d.BBox[0] + d.BBox[2]) / 2, (d.BBox[1] + d.BBox[3]) / 2
}

// Result is the inference service's full response envelope.
type Result struct {
	Detections      []Detection `json:"detections"`
	Count           int         `json:"count"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
	Device          string      `json:"device"`
}

// Detector runs detection with persistent tracking on JPEG frames.
// Implementations must be safe for concurrent use; every tracking
// worker shares one instance.
type Detector interface {
	DetectAndTrack(ctx context.Context, frame []byte) ([]Detection, error)
	Healthy() bool
	Close() error
}
