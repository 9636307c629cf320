package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"State", topics.State("io://1234-5678-9012/12345678"), "graylogic/state/tahoma/io:%2F%2F1234-5678-9012%2F12345678"},
		{"Request", topics.Request("refresh"), "graylogic/request/tahoma/refresh"},
		{"Response", topics.Response("req-1"), "graylogic/response/tahoma/req-1"},
		{"Health", topics.Health(), "graylogic/health/tahoma"},
		{"AllStates", topics.AllStates(), "graylogic/state/tahoma/+"},
		{"AllRequests", topics.AllRequests(), "graylogic/request/tahoma/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestEncodeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"io://1234/1", "io:%2F%2F1234%2F1"},
		{"rts://1234/16756734", "rts:%2F%2F1234%2F16756734"},
		{"internal://1234/pod/0", "internal:%2F%2F1234%2Fpod%2F0"},
		{"zigbee://1234/a+b#c", "zigbee:%2F%2F1234%2Fa%2Bb%23c"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := EncodeAddress(tt.in)
			if got != tt.want {
				t.Fatalf("EncodeAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
			back, err := DecodeAddress(got)
			if err != nil {
				t.Fatalf("DecodeAddress(%q) error = %v", got, err)
			}
			if back != tt.in {
				t.Errorf("DecodeAddress(%q) = %q, want %q", got, back, tt.in)
			}
		})
	}
}

func TestDecodeAddress_Invalid(t *testing.T) {
	_, err := DecodeAddress("io:%zz")
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("DecodeAddress() error = %v, want ErrInvalidTopic", err)
	}
}

func TestBuildOfflinePayload(t *testing.T) {
	payload, err := buildOfflinePayload("graylogic-tahoma", reasonGraceful)
	if err != nil {
		t.Fatalf("buildOfflinePayload() error = %v", err)
	}

	var msg statusPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != "offline" || msg.Reason != reasonGraceful || msg.Bridge != "graylogic-tahoma" {
		t.Errorf("payload = %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestDisconnectedClient(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish invalid qos", c.Publish("a/b", nil, 3, false), ErrInvalidQoS},
		{"publish oversize", c.Publish("a/b", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("a/b", []byte("x"), 1, true), ErrNotConnected},
		{"subscribe nil handler", c.Subscribe("a/b", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("a/b", 1, noop), ErrNotConnected},
		{"unsubscribe empty", c.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", c.Unsubscribe("a/b"), ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if c.IsConnected() {
		t.Error("IsConnected() = true, want false")
	}
	if c.SubscriptionCount() != 0 || c.HasSubscription("a/b") {
		t.Error("failed subscribe must not be tracked")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on zero client error = %v", err)
	}
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestDispatch(t *testing.T) {
	t.Run("handler error is logged", func(t *testing.T) {
		logger := &recordingLogger{}
		dispatch(logger, func(string, []byte) error { return errors.New("bad payload") }, "a/b", nil)
		if len(logger.warns) != 1 {
			t.Errorf("warns = %v, want 1 entry", logger.warns)
		}
	})

	t.Run("panic is recovered", func(t *testing.T) {
		logger := &recordingLogger{}
		dispatch(logger, func(string, []byte) error { panic("boom") }, "a/b", nil)
		if len(logger.errors) != 1 {
			t.Errorf("errors = %v, want 1 entry", logger.errors)
		}
	})

	t.Run("nil logger", func(_ *testing.T) {
		dispatch(nil, func(string, []byte) error { panic("boom") }, "a/b", nil)
	})
}
