package bargein

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxa-labs/callbridge/pkg/core/audio"
)

// State is the detector's position in the barge-in cycle.
type State int

const (
	// StateIdle means the agent is not speaking; nothing to interrupt.
	StateIdle State = iota
	// StateArmed means the agent is speaking and caller energy is watched.
	StateArmed
	// StateTriggered means a barge-in fired and teardown is in progress.
	StateTriggered
	// StateCooldown absorbs residual energy after a trigger.
	StateCooldown
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArmed:
		return "ARMED"
	case StateTriggered:
		return "TRIGGERED"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// Detector watches inbound caller audio while the agent speaks and fires
// once when sustained energy indicates the caller has started talking
// over the agent. One instance per call.
type Detector struct {
	config      Config
	audioConfig audio.Config

	mu            sync.Mutex
	state         State
	armedAt       time.Time
	cooldownUntil time.Time
	protectUntil  time.Time
	speechMs      int

	onTriggered func()
	onDebug     func(category, message string)

	// Overridable for tests.
	now func() time.Time
}

// NewDetector creates a detector with the given tuning.
func NewDetector(config Config, audioConfig audio.Config) *Detector {
	return &Detector{
		config:      config,
		audioConfig: audioConfig,
		state:       StateIdle,
		now:         time.Now,
	}
}

// SetCallbacks sets the event callbacks.
func (d *Detector) SetCallbacks(onTriggered func(), onDebug func(category, message string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTriggered = onTriggered
	d.onDebug = onDebug
}

// AgentSpeechStarted arms the detector. Called when the first synthesis
// frame heads toward the caller.
func (d *Detector) AgentSpeechStarted() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateArmed {
		return
	}
	now := d.now()
	if d.state == StateCooldown && now.Before(d.cooldownUntil) {
		// New utterance during cooldown stays muffled until it expires.
		d.debug("BARGEIN", "armed during cooldown, %dms remaining", int(d.cooldownUntil.Sub(now).Milliseconds()))
	}
	d.state = StateArmed
	d.armedAt = now
	d.speechMs = 0
	d.debug("BARGEIN", "armed")
}

// AgentSpeechEnded disarms the detector, keeping a short echo-tail
// protection window before the next arming counts energy.
func (d *Detector) AgentSpeechEnded() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = StateIdle
	d.speechMs = 0
	d.protectUntil = d.now().Add(time.Duration(d.config.PostSpeechProtectionMs) * time.Millisecond)
	d.debug("BARGEIN", "disarmed")
}

// ProcessFrame feeds one inbound PCM frame. Returns true exactly once per
// arming, at the moment the barge-in triggers.
func (d *Detector) ProcessFrame(pcm []byte) bool {
	d.mu.Lock()

	now := d.now()

	if d.state != StateArmed {
		d.mu.Unlock()
		return false
	}

	if now.Sub(d.armedAt) < time.Duration(d.config.InitialProtectionMs)*time.Millisecond {
		d.mu.Unlock()
		return false
	}
	if now.Before(d.protectUntil) {
		d.mu.Unlock()
		return false
	}
	// A recent trigger keeps the detector muffled even across re-arming.
	if now.Before(d.cooldownUntil) {
		d.mu.Unlock()
		return false
	}

	energy := audio.CalculateRMSEnergy(pcm)
	frameMs := d.audioConfig.DurationMs(len(pcm))

	if energy < d.config.EnergyThreshold {
		// A gap resets the evidence; sustained means contiguous.
		d.speechMs = 0
		d.mu.Unlock()
		return false
	}

	d.speechMs += frameMs
	if d.speechMs < d.config.MinTriggerMs {
		d.mu.Unlock()
		return false
	}

	d.state = StateTriggered
	d.cooldownUntil = now.Add(time.Duration(d.config.CooldownMs) * time.Millisecond)
	onTriggered := d.onTriggered
	d.debug("BARGEIN", "triggered after %dms of speech (rms %.3f)", d.speechMs, energy)
	d.mu.Unlock()

	if onTriggered != nil {
		onTriggered()
	}
	return true
}

// Reset returns the detector to cooldown after teardown completes, so
// residual caller energy does not re-trigger immediately.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateTriggered {
		d.state = StateCooldown
	}
	d.speechMs = 0
}

// State returns the current detector state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) debug(category, format string, args ...any) {
	if d.onDebug != nil {
		d.onDebug(category, fmt.Sprintf(format, args...))
	}
}
