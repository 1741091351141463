package audit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/signoff/internal/auth"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry records one workflow mutation: who did what to which event.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	Actor     string            `json:"actor"`
	EventID   string            `json:"event_id,omitempty"`
	IPAddress string            `json:"ip_address"`
	Status    string            `json:"status"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger writes audit entries as a nested "audit" object on a zerolog line
// so they can be filtered out of the request log stream.
type Logger struct {
	log zerolog.Logger
	now func() time.Time
}

func NewLogger(base zerolog.Logger) *Logger {
	return &Logger{
		log: base.With().Str("component", "audit").Logger(),
		now: time.Now,
	}
}

func (l *Logger) Log(entry Entry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	dict := zerolog.Dict().
		Time("timestamp", entry.Timestamp).
		Str("action", entry.Action).
		Str("actor", entry.Actor).
		Str("ip_address", entry.IPAddress).
		Str("status", entry.Status)
	if entry.EventID != "" {
		dict = dict.Str("event_id", entry.EventID)
	}
	if len(entry.Details) > 0 {
		details := zerolog.Dict()
		for k, v := range entry.Details {
			details = details.Str(k, v)
		}
		dict = dict.Dict("details", details)
	}

	level := zerolog.InfoLevel
	if entry.Status == StatusFailure {
		level = zerolog.WarnLevel
	}
	l.log.WithLevel(level).Dict("audit", dict).Msg(entry.Action)
}

// FromRequest logs an entry whose actor and address come from r. The actor
// is the authenticated caller, or "anonymous".
func (l *Logger) FromRequest(r *http.Request, action, eventID, status string, details map[string]string) {
	if l == nil {
		return
	}
	actor, ok := auth.CallerFromContext(r.Context())
	if !ok {
		actor = "anonymous"
	}
	l.Log(Entry{
		Action:    action,
		Actor:     actor,
		EventID:   eventID,
		IPAddress: clientIP(r),
		Status:    status,
		Details:   details,
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address without its port.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
