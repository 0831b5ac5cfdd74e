package detect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDetectAndTrackSendsMultipartFrame(t *testing.T) {
	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/detect", r.URL.Path)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.40", r.FormValue("conf_threshold"))
		assert.Equal(t, "true", r.FormValue("enable_tracking"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "frame.jpg", hdr.Filename)
		assert.Equal(t, "image/jpeg", hdr.Header.Get("Content-Type"))
		body, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, frame, body)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{
					"class_id":   0,
					"class":      "person",
					"confidence": 0.91,
					"bbox":       []float64{10, 20, 110, 220},
					"track_id":   7,
				},
				{
					"class_id":   0,
					"class":      "person",
					"confidence": 0.52,
					"bbox":       []float64{200, 50, 260, 180},
				},
			},
			"count":             2,
			"inference_time_ms": 14.2,
			"device":            "cuda:0",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", 0.4, testLogger())
	defer c.Close()

	dets, err := c.DetectAndTrack(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, "person", dets[0].Class)
	assert.InDelta(t, 0.91, dets[0].Confidence, 1e-9)
	require.NotNil(t, dets[0].TrackID)
	assert.Equal(t, 7, *dets[0].TrackID)

	// Untracked detections come back with no track id at all.
	assert.Nil(t, dets[1].TrackID)
}

func TestDetectAndTrackErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0.4, testLogger())
	defer c.Close()

	_, err := c.DetectAndTrack(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0xD9})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHealthyCachesPositiveAnswer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0.4, testLogger())
	defer c.Close()

	assert.True(t, c.Healthy())
	assert.True(t, c.Healthy())
	assert.True(t, c.Healthy())
	assert.Equal(t, int32(1), hits.Load(), "positive answers should be served from cache")
}

func TestHealthyDoesNotCacheFailures(t *testing.T) {
	var hits atomic.Int32
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if up.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 0.4, testLogger())
	defer c.Close()

	assert.False(t, c.Healthy())
	assert.False(t, c.Healthy())
	assert.Equal(t, int32(2), hits.Load(), "negative answers must re-probe")

	up.Store(true)
	assert.True(t, c.Healthy())
	assert.True(t, c.Healthy())
	assert.Equal(t, int32(3), hits.Load())
}

func TestTransportErrorMarksUnhealthy(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			hits.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"detections":[],"count":0}`))
	}))

	c := NewHTTPClient(srv.URL, 0.4, testLogger())
	defer c.Close()

	require.True(t, c.Healthy())
	require.Equal(t, int32(1), hits.Load())

	// Kill the service; the next inference error must invalidate the
	// cached health so callers see the outage immediately.
	srv.Close()
	_, err := c.DetectAndTrack(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0xD9})
	require.Error(t, err)
	assert.False(t, c.Healthy())
}

func TestDetectionCentroid(t *testing.T) {
	d := Detection{BBox: []float64{10, 20, 110, 220}}
	x, y := d.Centroid()
	assert.InDelta(t, 60, x, 1e-9)
	assert.InDelta(t, 120, y, 1e-9)

	var empty Detection
	x, y = empty.Centroid()
	assert.Zero(t, x)
	assert.Zero(t, y)
}
