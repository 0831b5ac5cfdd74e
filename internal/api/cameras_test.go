package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCameraCRUD(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.request(http.MethodPost, "/api/cameras", map[string]any{
		"source": "rtsp://cam.local/live",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(http.MethodPost, "/api/cameras", map[string]any{
		"id":     "door",
		"source": "rtsp://cam.local/live",
		"name":   "Front Door",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "Camera added", body["status"])
	assert.Equal(t, "door", body["id"])

	resp = env.get("/api/cameras")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeList(t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "door", list[0]["id"])
	assert.Equal(t, "Front Door", list[0]["name"])
	assert.Equal(t, "rtsp://cam.local/live", list[0]["source"])

	resp = env.get("/api/cameras/door")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeMap(t, resp)
	assert.Equal(t, true, detail["enabled"])
	assert.Nil(t, detail["roi"])
	resolution := detail["resolution"].(map[string]any)
	assert.Equal(t, float64(640), resolution["width"])
	assert.Equal(t, float64(480), resolution["height"])
	assert.Equal(t, float64(10), detail["fps"])

	resp = env.request(http.MethodPut, "/api/cameras/door", map[string]any{}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(http.MethodPut, "/api/cameras/door", map[string]any{
		"name": "Main Entrance",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeMap(t, resp)
	assert.Equal(t, "Camera updated", body["status"])
	assert.Equal(t, "Main Entrance", env.reg.Name("door"))

	resp = env.request(http.MethodPut, "/api/cameras/ghost", map[string]any{
		"name": "x",
	}, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(http.MethodDelete, "/api/cameras/door", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeMap(t, resp)
	assert.Equal(t, "Camera removed", body["status"])

	resp = env.get("/api/cameras/door")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(http.MethodDelete, "/api/cameras/door", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCameraEnableDisable(t *testing.T) {
	env := newEnv(t, nil)
	require.NoError(t, env.reg.Add("door", "rtsp://cam.local/live", "Front Door", false))

	resp := env.request(http.MethodPut, "/api/cameras/door", map[string]any{
		"enabled": true,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	src, ok := env.reg.Get("door")
	require.True(t, ok)
	require.Eventually(t, src.IsActive, 2*time.Second, 10*time.Millisecond)

	resp = env.request(http.MethodPut, "/api/cameras/door", map[string]any{
		"enabled": false,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Eventually(t, func() bool { return !src.IsActive() }, 2*time.Second, 10*time.Millisecond)
}

func TestROILifecycle(t *testing.T) {
	env := newEnv(t, nil)
	require.NoError(t, env.reg.Add("door", "rtsp://cam.local/live", "Front Door", false))

	resp := env.request(http.MethodPost, "/api/cameras/door/roi", map[string]any{
		"x1": 100, "y1": 10, "x2": 50, "y2": 200, "entry_direction": "LTR",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(http.MethodPost, "/api/cameras/door/roi", map[string]any{
		"x1": 10, "y1": 10, "x2": 200, "y2": 200, "entry_direction": "sideways",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(http.MethodPost, "/api/cameras/door/roi", map[string]any{
		"x1": 10, "y1": 10, "x2": 200, "y2": 200, "entry_direction": "LTR",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, true, body["success"])

	resp = env.get("/api/cameras/door")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeMap(t, resp)
	roi := detail["roi"].(map[string]any)
	assert.Equal(t, float64(10), roi["x1"])
	assert.Equal(t, float64(200), roi["x2"])
	assert.Equal(t, "LTR", detail["entry_direction"])

	resp = env.request(http.MethodPost, "/api/cameras/door/roi/clear", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeMap(t, resp)
	assert.Equal(t, true, body["success"])

	cfg, err := env.store.GetCameraConfig("door")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}
