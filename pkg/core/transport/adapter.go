// Package transport carries call audio between the engine and the outside
// world. Two adapters exist: a websocket carrying binary PCM and an RTP
// media stream carrying companded telephony audio.
package transport

import (
	"context"
	"time"

	"github.com/voxa-labs/callbridge/pkg/core/audio"
)

// CallInfo describes the call leg behind an adapter.
type CallInfo struct {
	CallID     string         `json:"call_id"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
	Encoding   audio.Encoding `json:"encoding"`
	SampleRate int            `json:"sample_rate"`
}

// Adapter is a bidirectional audio path for one call. Receive blocks until
// the next inbound payload arrives; payloads are in the wire encoding
// reported by Info. Send accepts one outbound payload in the same
// encoding. Implementations allow one concurrent receiver and any number
// of senders.
type Adapter interface {
	Info() CallInfo
	Receive(ctx context.Context) ([]byte, error)
	Send(payload []byte) error
	Close() error
}

// RetryConfig bounds connection establishment retries.
type RetryConfig struct {
	// Attempts is the total number of tries, not additional retries.
	Attempts int `json:"attempts"`

	// InitialDelay before the second attempt; doubles per attempt after.
	InitialDelay time.Duration `json:"initial_delay"`
}

// DefaultRetryConfig allows three attempts starting at 250ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     3,
		InitialDelay: 250 * time.Millisecond,
	}
}

// withRetry runs fn up to cfg.Attempts times with doubling delays.
// Returns the last error once attempts are exhausted.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	delay := cfg.InitialDelay

	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
