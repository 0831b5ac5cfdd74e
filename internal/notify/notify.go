// Package notify is the outbound push port. Delivery is best effort and
// fire-and-forget: implementations log failures and never retry, so event
// commits are never blocked by a slow or broken notifier.
package notify

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier receives committed events. Payload is a JSON-compatible map; a
// "timestamp" field is injected when the caller did not set one.
type Notifier interface {
	Emit(eventType string, payload map[string]any)
}

// WithTimestamp returns a copy of payload carrying a "timestamp" field. An
// existing timestamp is preserved.
func WithTimestamp(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["timestamp"]; !ok {
		out["timestamp"] = time.Now().UTC().Format("2006-01-02 15:04:05")
	}
	return out
}

// Fanout delivers every event to all registered notifiers.
type Fanout struct {
	notifiers []Notifier
}

var _ Notifier = (*Fanout)(nil)

// NewFanout builds a fanout over the given notifiers.
func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Add registers another notifier. Not safe to call once events flow.
func (f *Fanout) Add(n Notifier) {
	f.notifiers = append(f.notifiers, n)
}

// Emit stamps the payload once and hands it to every notifier.
func (f *Fanout) Emit(eventType string, payload map[string]any) {
	stamped := WithTimestamp(payload)
	for _, n := range f.notifiers {
		n.Emit(eventType, stamped)
	}
}

// LogNotifier mirrors every event into the structured log.
type LogNotifier struct {
	log *logrus.Entry
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier builds the always-on log sink.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: logger.WithField("component", "notify")}
}

// Emit logs the event with its payload fields.
func (l *LogNotifier) Emit(eventType string, payload map[string]any) {
	fields := logrus.Fields{"event_type": eventType}
	for k, v := range WithTimestamp(payload) {
		fields[k] = v
	}
	l.log.WithFields(fields).Info("Event notification")
}
