package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ControlPlane performs telephony side effects that live outside the
// media path: ending a call leg at the PBX, referring it elsewhere.
type ControlPlane interface {
	// EndCall hangs up the PBX call leg.
	EndCall(ctx context.Context, callID string) error

	// Transfer refers the call leg to another destination.
	Transfer(ctx context.Context, callID, target string) error
}

// TwilioControlPlane drives the Twilio REST API.
type TwilioControlPlane struct {
	client *twilio.RestClient
}

// TwilioConfig holds REST API credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

// NewTwilioControlPlane creates a control plane backed by Twilio.
func NewTwilioControlPlane(config TwilioConfig) *TwilioControlPlane {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})
	return &TwilioControlPlane{client: client}
}

// EndCall completes the call leg.
func (t *TwilioControlPlane) EndCall(ctx context.Context, callID string) error {
	status := "completed"
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus(status)
	if _, err := t.client.Api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("end call %s: %w", callID, err)
	}
	return nil
}

// dialTwiML builds the redirect document. The target comes from model
// output, so it is escaped rather than trusted as markup.
func dialTwiML(target string) string {
	var escaped strings.Builder
	xml.EscapeText(&escaped, []byte(target))
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response><Dial>%s</Dial></Response>`, escaped.String())
}

// Transfer redirects the leg to the target via TwiML.
func (t *TwilioControlPlane) Transfer(ctx context.Context, callID, target string) error {
	twiml := dialTwiML(target)
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if _, err := t.client.Api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("transfer call %s: %w", callID, err)
	}
	return nil
}

// NoopControlPlane records side effects without reaching a PBX. Used for
// local development and tests.
type NoopControlPlane struct {
	mu        sync.Mutex
	ended     []string
	transfers map[string]string
}

// NewNoopControlPlane creates an inert control plane.
func NewNoopControlPlane() *NoopControlPlane {
	return &NoopControlPlane{transfers: map[string]string{}}
}

// EndCall records the hangup.
func (n *NoopControlPlane) EndCall(ctx context.Context, callID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, callID)
	return nil
}

// Transfer records the referral.
func (n *NoopControlPlane) Transfer(ctx context.Context, callID, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transfers[callID] = target
	return nil
}

// Ended returns the call IDs hung up so far.
func (n *NoopControlPlane) Ended() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.ended))
	copy(out, n.ended)
	return out
}

// TransferTarget returns where the given call was referred, if anywhere.
func (n *NoopControlPlane) TransferTarget(callID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	target, ok := n.transfers[callID]
	return target, ok
}
