package gelf

import (
	"encoding/json"
	"net"
	"os"
	"strings"
	"time"
)

// Writer sends GELF messages over UDP and implements io.Writer. It expects
// one slog JSON record per Write call, which is what slog.JSONHandler emits.
type Writer struct {
	conn     net.Conn
	hostname string
	service  string
}

// New creates a GELF UDP writer connected to addr (e.g. "172.17.0.1:12201").
func New(addr, service string) (*Writer, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "oxiwarehouse"
	}

	return &Writer{conn: conn, hostname: hostname, service: service}, nil
}

func (w *Writer) Close() error {
	return w.conn.Close()
}

// Write implements io.Writer. Each call sends one GELF message. Lines that
// are not JSON are shipped verbatim as the short message.
func (w *Writer) Write(p []byte) (int, error) {
	payload, err := json.Marshal(w.Message(p))
	if err != nil {
		return len(p), nil // don't fail the log call
	}

	// Fire-and-forget
	w.conn.Write(payload)
	return len(p), nil
}

// Message converts one log line into a GELF 1.1 document.
func (w *Writer) Message(p []byte) map[string]any {
	line := strings.TrimRight(string(p), "\n")
	msg := map[string]any{
		"version":       "1.1",
		"host":          w.hostname,
		"short_message": line,
		"timestamp":     float64(time.Now().UnixNano()) / 1e9,
		"level":         6, // Informational
		"_service":      w.service,
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return msg
	}

	if s, ok := record["msg"].(string); ok {
		msg["short_message"] = s
	}
	if lvl, ok := record["level"].(string); ok {
		msg["level"] = syslogLevel(lvl)
	}
	if ts, ok := record["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg["timestamp"] = float64(parsed.UnixNano()) / 1e9
		}
	}
	for k, v := range record {
		switch k {
		case "msg", "level", "time":
			continue
		case "id":
			// GELF reserves _id.
			k = "record_id"
		}
		msg["_"+k] = v
	}
	return msg
}

func syslogLevel(level string) int {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return 7
	case "WARN":
		return 4
	case "ERROR":
		return 3
	default:
		return 6
	}
}
