package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// healthCacheTTL is how long a positive health probe is trusted before
// the service is asked again.
const healthCacheTTL = 30 * time.Second

// HTTPClient talks to a YOLO-family inference sidecar over HTTP. Frames
// go up as multipart posts with tracking enabled; detections come back
// as JSON with tracker-assigned ids.
type HTTPClient struct {
	endpoint string
	conf     float64
	client   *http.Client
	log      *logrus.Entry

	mu        sync.Mutex
	healthy   bool
	healthyAt time.Time
}

var _ Detector = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the given service endpoint.
// confThreshold is forwarded to the model on every request.
func NewHTTPClient(endpoint string, confThreshold float64, logger *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		conf:     confThreshold,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logger.WithField("component", "detect"),
	}
}

// DetectAndTrack submits one JPEG frame and returns the detections the
// service reports for it.
func (c *HTTPClient) DetectAndTrack(ctx context.Context, frame []byte) ([]Detection, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	fw.Write(frame)

	w.WriteField("conf_threshold", fmt.Sprintf("%.2f", c.conf))
	w.WriteField("enable_tracking", "true")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		c.markUnhealthy()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detect failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detection response: %w", err)
	}
	return result.Detections, nil
}

// Healthy probes GET /health, trusting a positive answer for 30 seconds
// so the hot path is not gated on a network round trip per frame.
func (c *HTTPClient) Healthy() bool {
	c.mu.Lock()
	if c.healthy && time.Since(c.healthyAt) < healthCacheTTL {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	resp, err := c.client.Get(c.endpoint + "/health")
	if err != nil {
		c.log.WithError(err).Debug("Detector health check failed")
		c.markUnhealthy()
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	c.mu.Lock()
	c.healthy = ok
	if ok {
		c.healthyAt = time.Now()
	}
	c.mu.Unlock()

	if !ok {
		c.log.WithField("status", resp.StatusCode).Warn("Detector health check returned non-OK status")
	}
	return ok
}

func (c *HTTPClient) markUnhealthy() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
