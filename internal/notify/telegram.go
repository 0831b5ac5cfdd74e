package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Telegram pushes entry/exit alerts to a chat via the Bot API. Each camera
// has an independent cooldown window so a busy doorway cannot flood the chat.
// Sends run on their own goroutine; Emit never blocks the caller.
type Telegram struct {
	token    string
	chatID   string
	cooldown time.Duration
	client   *http.Client
	apiBase  string
	log      *logrus.Entry

	mu       sync.Mutex
	lastSent map[string]time.Time
}

var _ Notifier = (*Telegram)(nil)

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewTelegram builds the notifier. Callers should not construct one without
// both a token and a chat id.
func NewTelegram(token, chatID string, cooldown time.Duration, logger *logrus.Logger) *Telegram {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Telegram{
		token:    token,
		chatID:   chatID,
		cooldown: cooldown,
		client:   &http.Client{Timeout: 30 * time.Second},
		apiBase:  "https://api.telegram.org",
		log:      logger.WithField("component", "telegram"),
		lastSent: make(map[string]time.Time),
	}
}

// Emit sends entry and exit alerts, honoring the per-camera cooldown. Other
// event types are ignored.
func (t *Telegram) Emit(eventType string, payload map[string]any) {
	if eventType != "entry" && eventType != "exit" {
		return
	}

	cameraID, _ := payload["camera_id"].(string)
	if !t.allow(cameraID) {
		t.log.WithField("camera_id", cameraID).Debug("Notification suppressed by cooldown")
		return
	}

	stamped := WithTimestamp(payload)
	go t.send(eventType, cameraID, stamped)
}

// allow reports whether the camera's cooldown has elapsed and, if so, starts
// a new window.
func (t *Telegram) allow(cameraID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastSent[cameraID]; ok && time.Since(last) < t.cooldown {
		return false
	}
	t.lastSent[cameraID] = time.Now()
	return true
}

func (t *Telegram) send(eventType, cameraID string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	caption := t.caption(eventType, cameraID, payload)

	if path, ok := payload["snapshot_path"].(string); ok && path != "" {
		if photo, err := os.ReadFile(path); err == nil {
			if err := t.sendPhoto(ctx, photo, caption); err != nil {
				t.log.WithError(err).Warn("Failed to send Telegram photo")
			}
			return
		}
		// Snapshot already swept or never written; fall back to text.
	}

	if err := t.sendMessage(ctx, caption); err != nil {
		t.log.WithError(err).Warn("Failed to send Telegram message")
	}
}

func (t *Telegram) caption(eventType, cameraID string, payload map[string]any) string {
	title := "Entry detected"
	if eventType == "exit" {
		title = "Exit detected"
	}
	ts, _ := payload["timestamp"].(string)

	msg := fmt.Sprintf("🚶 <b>%s</b>\n\n📹 Camera: %s\n🕐 Time: %s", title, cameraID, ts)
	if dir, ok := payload["direction"].(string); ok && dir != "" && dir != "unknown" {
		msg += fmt.Sprintf("\n➡️ Direction: %s", dir)
	}
	return msg
}

func (t *Telegram) sendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	return handleTelegramResponse(resp)
}

func (t *Telegram) sendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", t.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "snapshot.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	return handleTelegramResponse(resp)
}

func handleTelegramResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error %d: %s", tr.ErrorCode, tr.Description)
	}
	return nil
}
