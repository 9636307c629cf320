package mqtt

import (
	"fmt"
	"net/url"
	"strings"
)

// Topic layout for the TaHoma bridge.
//
// All topics use the flat bridge scheme: graylogic/{category}/{protocol}/{address}
const (
	// TopicPrefix is the base for all Gray Logic topics.
	TopicPrefix = "graylogic"

	// Protocol is the protocol segment used by this bridge.
	Protocol = "tahoma"
)

// Topics provides builders for the bridge's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("io://1234-5678-9012/12345678")
//	// Returns: "graylogic/state/tahoma/io:%2F%2F1234-5678-9012%2F12345678"
type Topics struct{}

// State returns the retained state topic of a device.
// The device URL is path-escaped so it stays a single topic level.
func (Topics) State(deviceURL string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, EncodeAddress(deviceURL))
}

// Request returns the topic for a bridge request.
//
// Example: graylogic/request/tahoma/refresh
func (Topics) Request(action string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, action)
}

// Response returns the topic for a request response.
//
// Example: graylogic/response/tahoma/req-abc123
func (Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// Health returns the bridge health topic. It also carries the LWT.
//
// Example: graylogic/health/tahoma
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// AllStates returns a pattern matching every device state topic.
//
// Pattern: graylogic/state/tahoma/+
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, Protocol)
}

// AllRequests returns a pattern matching every request topic.
//
// Pattern: graylogic/request/tahoma/+
func (Topics) AllRequests() string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, Protocol)
}

// EncodeAddress escapes a device URL for use as a single topic level.
// "+" is escaped too since it is an MQTT wildcard.
// Example: "io://1234/1" -> "io:%2F%2F1234%2F1"
func EncodeAddress(deviceURL string) string {
	return strings.ReplaceAll(url.PathEscape(deviceURL), "+", "%2B")
}

// DecodeAddress reverses EncodeAddress.
func DecodeAddress(encoded string) (string, error) {
	addr, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	return addr, nil
}
