package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// fakeTransport records sends and closes in memory. failSends simulates a
// dead socket.
type fakeTransport struct {
	mu          sync.Mutex
	sent        [][]byte
	failSends   bool
	closed      bool
	closeCode   CloseCode
	closeReason string
}

var errSendFailed = errors.New("send failed")

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends {
		return errSendFailed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Close(code CloseCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) closedWith() (CloseCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

// messages decodes every sent frame into a generic map.
func (f *fakeTransport) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// messagesOfType returns the decoded frames whose type tag matches.
func (f *fakeTransport) messagesOfType(msgType string) []map[string]any {
	var out []map[string]any
	for _, m := range f.messages() {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		Addr:                  ":0",
		MaxConnections:        5,
		BackpressureThreshold: 0.8,
		IdleTimeout:           time.Minute,
		CleanupInterval:       30 * time.Second,
		HeartbeatInterval:     15 * time.Second,
		MemoryLimitPerConnMB:  10,
		EventTypes:            []string{"cache_metrics", "rule_update", "system"},
		MessageRate:           10,
		MessageBurst:          100,
		WriteTimeout:          time.Second,
		MetricsInterval:       15 * time.Second,
		LogLevel:              "error",
		LogFormat:             "json",
	}
}

func newTestGateway(cfg Config) *Gateway {
	return NewGateway(cfg, zerolog.Nop(), nil)
}

// acceptFake admits a new fake transport and returns it with the assigned
// client id.
func acceptFake(gw *Gateway, clientID string) (*fakeTransport, string) {
	tr := &fakeTransport{}
	outcome := gw.Accept(tr, clientID)
	return tr, outcome.ClientID
}
