package dialog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxa-labs/callbridge/pkg/core"
	"github.com/voxa-labs/callbridge/pkg/core/audio"
	"github.com/voxa-labs/callbridge/pkg/core/bargein"
	"github.com/voxa-labs/callbridge/pkg/core/metrics"
	"github.com/voxa-labs/callbridge/pkg/core/provider"
	"github.com/voxa-labs/callbridge/pkg/core/tools"
	"github.com/voxa-labs/callbridge/pkg/core/transport"
)

// Config tunes one orchestrated call.
type Config struct {
	// Backend name, recorded on the session.
	Backend string

	// WireEncoding and WireSampleRate describe the transport leg.
	WireEncoding   audio.Encoding
	WireSampleRate int

	// BackendSampleRate is the PCM rate exchanged with the provider.
	BackendSampleRate int

	// FallbackFarewell is spoken (as text history, and as canned audio if
	// FarewellAudio is set) when the provider dies mid-call.
	FallbackFarewell string

	// FarewellAudio is optional pre-rendered wire-format audio for the
	// fallback farewell.
	FarewellAudio []byte

	// MaxToolFollowUps bounds chained tool calls within one user turn.
	MaxToolFollowUps int

	// BargeIn tunes the detector. Zero value selects DefaultConfig.
	BargeIn bargein.Config

	// Jitter tunes the playout buffer. Zero value selects defaults.
	Jitter audio.JitterBufferConfig

	// ReadRetry bounds retries of transient transport read failures
	// before the call is torn down. Zero value selects defaults.
	ReadRetry transport.RetryConfig

	// PacerInterval overrides the frame cadence, for tests.
	PacerInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WireEncoding == "" {
		c.WireEncoding = audio.EncodingMuLaw
	}
	if c.WireSampleRate == 0 {
		c.WireSampleRate = 8000
	}
	if c.BackendSampleRate == 0 {
		c.BackendSampleRate = 16000
	}
	if c.FallbackFarewell == "" {
		c.FallbackFarewell = "Thank you for calling. Goodbye."
	}
	if c.MaxToolFollowUps == 0 {
		c.MaxToolFollowUps = 1
	}
	if c.BargeIn == (bargein.Config{}) {
		c.BargeIn = bargein.DefaultConfig()
	}
	if c.Jitter == (audio.JitterBufferConfig{}) {
		c.Jitter = audio.DefaultJitterBufferConfig()
	}
	if c.ReadRetry == (transport.RetryConfig{}) {
		c.ReadRetry = transport.DefaultRetryConfig()
	}
	if c.PacerInterval == 0 {
		c.PacerInterval = 20 * time.Millisecond
	}
	return c
}

// prerollMs is how much suppressed caller audio is kept for replay to the
// provider after a barge-in, so the onset of the interrupting utterance
// is not lost.
const prerollMs = 240

// levelWindowMs is the caller-audio window behind the diagnostics levels.
const levelWindowMs = 500

// Orchestrator drives one call: transport frames in, provider events out,
// tool execution, and teardown. Create one per call and call Run.
type Orchestrator struct {
	config  Config
	adapter transport.Adapter
	factory provider.Factory
	tools   *tools.Registry
	control tools.ControlPlane
	metrics *metrics.Metrics
	logger  *slog.Logger

	session  *Session
	detector *bargein.Detector
	inPipe   *audio.InboundPipeline
	outPipe  *audio.OutboundPipeline
	jitter   *audio.JitterBuffer
	inJitter *audio.JitterBuffer
	pacer    *audio.Pacer

	// callerAudio accumulates recent inbound PCM for the diagnostics
	// levels. Touched only on the ingress goroutine.
	callerAudio *audio.Buffer

	backendCfg    audio.Config
	wireFrameSize int

	provMu sync.Mutex
	prov   provider.Session

	turnMu           sync.Mutex
	interrupted      bool
	followUps        int
	synthesizedBytes int
	agentText        strings.Builder
	speakToken       *bargein.Token
	playToken        *bargein.Token
	preroll          *audio.RingBuffer
	outResidual      []byte
	reconnected      bool

	cancel context.CancelFunc

	// Overridable for tests.
	sleep func(time.Duration)
}

// New wires an orchestrator for one call.
func New(
	config Config,
	adapter transport.Adapter,
	factory provider.Factory,
	toolRegistry *tools.Registry,
	control tools.ControlPlane,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Orchestrator, error) {
	config = config.withDefaults()

	inPipe, err := audio.NewInboundPipeline(config.WireEncoding, config.WireSampleRate, config.BackendSampleRate)
	if err != nil {
		return nil, err
	}
	outPipe, err := audio.NewOutboundPipeline(config.WireEncoding, config.BackendSampleRate, config.WireSampleRate)
	if err != nil {
		return nil, err
	}

	backendCfg := audio.Config{SampleRate: config.BackendSampleRate, Channels: 1, BitsPerSample: 16}
	wireCfg := audio.Config{SampleRate: config.WireSampleRate, Channels: 1, BitsPerSample: 16}
	wireFrameSize := wireCfg.FrameBytes()
	if config.WireEncoding != audio.EncodingPCM16 {
		wireFrameSize /= 2 // companded bytes are one per sample
	}

	if logger == nil {
		logger = slog.Default()
	}

	session := NewSession(config.Backend)
	jitter := audio.NewJitterBuffer(config.Jitter)

	o := &Orchestrator{
		config:        config,
		adapter:       adapter,
		factory:       factory,
		tools:         toolRegistry,
		control:       control,
		metrics:       m,
		logger:        logger.With("call_id", session.ID),
		session:       session,
		detector:      bargein.NewDetector(config.BargeIn, backendCfg),
		inPipe:        inPipe,
		outPipe:       outPipe,
		jitter:        jitter,
		callerAudio:   audio.NewBuffer(backendCfg, 2000),
		preroll:       audio.NewRingBuffer(backendCfg, prerollMs),
		backendCfg:    backendCfg,
		wireFrameSize: wireFrameSize,
		sleep:         time.Sleep,
	}

	// The ingress buffer absorbs bursty transport reads without holding
	// frames back: one-frame warmup keeps barge-in latency unchanged.
	o.inJitter = audio.NewJitterBuffer(audio.JitterBufferConfig{
		WarmupFrames:   1,
		LowWaterFrames: 0,
		MaxFrames:      config.Jitter.MaxFrames,
	})

	if info := adapter.Info(); info.SampleRate != 0 && info.SampleRate != config.WireSampleRate {
		o.logger.Warn("transport sample rate differs from configured wire rate",
			"transport_rate", info.SampleRate, "wire_rate", config.WireSampleRate)
	}

	o.pacer = audio.NewPacer(
		audio.PacerConfig{
			Interval:   config.PacerInterval,
			FrameBytes: wireFrameSize,
			Encoding:   config.WireEncoding,
		},
		jitter,
		func(f audio.Frame) error { return adapter.Send(f.Data) },
	)
	if m != nil {
		o.pacer.SetUnderrunCallback(func() { m.PacerUnderrunsTotal.Inc() })
	}
	o.pacer.SetErrorCallback(func(err error) {
		o.logger.Warn("pacer send failed", "error", err)
	})
	o.detector.SetCallbacks(nil, func(category, message string) {
		o.logger.Debug(message, "component", category)
	})

	return o, nil
}

// Session returns the call state, for registry and diagnostics.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Run drives the call until hangup, terminal tool, fatal error, or
// context end. Blocks for the call's lifetime.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancel = cancel

	start := time.Now()
	status := "completed"
	if o.metrics != nil {
		o.metrics.SessionsActive.Inc()
		defer func() {
			o.metrics.SessionsActive.Dec()
			o.metrics.SessionsTotal.WithLabelValues(status).Inc()
			o.metrics.SessionDuration.Observe(time.Since(start).Seconds())
		}()
	}

	sess, err := o.factory(ctx)
	if err != nil {
		status = "connect_failed"
		return fmt.Errorf("open provider session: %w", err)
	}
	o.setProvider(sess)
	defer o.closeProvider()
	defer o.adapter.Close()

	go o.pacer.Run(ctx)
	defer o.pacer.Stop()
	go o.receiveLoop(ctx)
	go o.ingressLoop(ctx)

	o.logger.Info("call started", "backend", o.config.Backend)

	if err := o.eventLoop(ctx); err != nil {
		status = "failed"
		return err
	}
	return nil
}

func (o *Orchestrator) setProvider(sess provider.Session) {
	o.provMu.Lock()
	o.prov = sess
	o.provMu.Unlock()
}

func (o *Orchestrator) provider() provider.Session {
	o.provMu.Lock()
	defer o.provMu.Unlock()
	return o.prov
}

func (o *Orchestrator) closeProvider() {
	if sess := o.provider(); sess != nil {
		sess.Close()
	}
}

// callID prefers the PBX leg identifier; control-plane side effects need
// the PBX's name for the call, not ours.
func (o *Orchestrator) callID() string {
	if id := o.adapter.Info().CallID; id != "" {
		return id
	}
	return o.session.ID
}

// receiveLoop pulls caller payloads off the transport into the ingress
// buffer. Transient read failures are retried with backoff; a persistent
// failure or hangup ends the call.
func (o *Orchestrator) receiveLoop(ctx context.Context) {
	retry := o.config.ReadRetry
	attempt := 0
	delay := retry.InitialDelay

	for {
		payload, err := o.adapter.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				o.cancel()
				return
			}
			if core.IsRetryable(err) && attempt+1 < retry.Attempts {
				attempt++
				o.logger.Warn("transport receive failed, retrying",
					"attempt", attempt, "error", err)
				select {
				case <-ctx.Done():
					o.cancel()
					return
				case <-time.After(delay):
				}
				delay *= 2
				continue
			}
			o.logger.Warn("transport receive failed", "error", err)
			o.cancel()
			return
		}
		attempt = 0
		delay = retry.InitialDelay

		o.inJitter.Push(audio.Frame{
			Data:       payload,
			SampleRate: o.config.WireSampleRate,
			Direction:  audio.DirectionInbound,
		})
	}
}

// ingressLoop drains the ingress buffer at frame cadence, converts caller
// audio, feeds the barge-in detector, and forwards it to the provider
// unless agent audio is in flight.
func (o *Orchestrator) ingressLoop(ctx context.Context) {
	ticker := time.NewTicker(o.config.PacerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			f, ok := o.inJitter.Pop()
			if !ok {
				break
			}
			o.processInbound(f.Data)
		}
	}
}

func (o *Orchestrator) processInbound(payload []byte) {
	pcm, err := o.inPipe.Process(payload)
	if err != nil {
		if o.metrics != nil {
			o.metrics.CodecDropsTotal.Inc()
		}
		return
	}
	if len(pcm) == 0 {
		return
	}
	if o.metrics != nil {
		o.metrics.FramesTotal.WithLabelValues("inbound").Inc()
	}

	o.callerAudio.Write(pcm)
	recent := o.callerAudio.ReadLast(levelWindowMs)
	o.session.SetCallerLevel(audio.CalculateRMSEnergy(recent), audio.CalculatePeakAmplitude(recent))

	// The detector always sees inbound audio; suppression only keeps it
	// away from the provider while the agent's own voice is in flight.
	if o.detector.ProcessFrame(pcm) {
		o.handleInterrupt("local")
	}

	if o.session.Gate.Suppressed() {
		o.turnMu.Lock()
		o.preroll.Write(pcm)
		o.turnMu.Unlock()
		return
	}

	if sess := o.provider(); sess != nil {
		if err := sess.SendAudio(pcm); err != nil {
			o.logger.Warn("provider audio send failed", "error", err)
		}
	}
}

// eventLoop is the single consumer of provider events.
func (o *Orchestrator) eventLoop(ctx context.Context) error {
	for {
		sess := o.provider()
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sess.Events():
			if !ok {
				// Session ended underneath us.
				if err := o.recoverProvider(ctx, core.NewTransportError("provider", true, io.ErrUnexpectedEOF)); err != nil {
					return err
				}
				continue
			}
			stop, err := o.handleEvent(ctx, ev)
			if stop {
				return err
			}
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev provider.Event) (bool, error) {
	switch e := ev.(type) {
	case *provider.SessionReadyEvent:
		o.transition(TurnListening)
		o.logger.Info("provider ready", "provider_session", e.SessionID)

	case *provider.PartialTranscriptEvent:
		o.logger.Debug("partial transcript", "text", e.Text)

	case *provider.FinalTranscriptEvent:
		o.session.History.Append("user", e.Text)
		o.releaseTurnTokens()
		o.resetTurn()
		o.transition(TurnThinking)

	case *provider.AgentAudioEvent:
		o.handleAgentAudio(e.Audio)

	case *provider.AgentTextEvent:
		o.turnMu.Lock()
		o.agentText.WriteString(e.Delta)
		o.turnMu.Unlock()

	case *provider.TurnCompleteEvent:
		o.finishAgentTurn()

	case *provider.InterruptedEvent:
		o.handleInterrupt("provider")

	case *provider.ToolCallRequestedEvent:
		return o.handleToolCall(ctx, e)

	case *provider.ErrorEvent:
		if core.IsRetryable(e.Err) {
			if err := o.recoverProvider(ctx, e.Err); err != nil {
				return true, err
			}
			return false, nil
		}
		o.logger.Error("provider failed", "error", e.Err)
		o.fallbackFarewell(ctx)
		return true, e.Err
	}
	return false, nil
}

func (o *Orchestrator) transition(next TurnState) {
	prev := o.session.SetTurn(next)
	if prev != next {
		o.logger.Debug("turn transition", "from", prev.String(), "to", next.String())
	}
}

// resetTurn clears per-turn accounting when a new user turn begins.
func (o *Orchestrator) resetTurn() {
	o.turnMu.Lock()
	o.interrupted = false
	o.followUps = 0
	o.synthesizedBytes = 0
	o.preroll.Clear()
	o.turnMu.Unlock()
}

func (o *Orchestrator) handleAgentAudio(pcm []byte) {
	o.turnMu.Lock()
	if o.interrupted {
		// Stale generation after a barge-in; never reaches the caller.
		o.turnMu.Unlock()
		return
	}

	if o.session.Turn() != TurnSpeaking {
		o.transition(TurnSpeaking)
		o.detector.AgentSpeechStarted()
	}
	// Agent audio is now in flight. The synthesis span and the playout
	// tail hold separate tokens; inbound stays away from the provider
	// until both are released.
	if o.speakToken == nil {
		o.speakToken = o.session.Gate.Acquire()
	}

	o.synthesizedBytes += len(pcm)
	payload, err := o.outPipe.Process(pcm)
	if err != nil {
		o.turnMu.Unlock()
		if o.metrics != nil {
			o.metrics.CodecDropsTotal.Inc()
		}
		return
	}
	o.outResidual = append(o.outResidual, payload...)
	for len(o.outResidual) >= o.wireFrameSize {
		frame := make([]byte, o.wireFrameSize)
		copy(frame, o.outResidual[:o.wireFrameSize])
		o.outResidual = o.outResidual[o.wireFrameSize:]

		if o.playToken == nil {
			o.playToken = o.session.Gate.Acquire()
		}
		o.jitter.Push(audio.Frame{
			Data:       frame,
			SampleRate: o.config.WireSampleRate,
			Direction:  audio.DirectionOutbound,
		})
		if o.metrics != nil {
			o.metrics.FramesTotal.WithLabelValues("outbound").Inc()
		}
	}
	o.turnMu.Unlock()
}

func (o *Orchestrator) finishAgentTurn() {
	o.turnMu.Lock()
	text := strings.TrimSpace(o.agentText.String())
	o.agentText.Reset()
	o.interrupted = false
	speak := o.speakToken
	play := o.playToken
	o.speakToken = nil
	o.playToken = nil
	o.preroll.Clear()
	o.turnMu.Unlock()

	if text != "" {
		o.session.History.Append("assistant", text)
	}
	o.detector.AgentSpeechEnded()

	// Synthesis is done; its token clears now. The playout token holds
	// until the buffered tail has been paced onto the wire.
	if speak != nil {
		speak.Release()
	}
	if play != nil {
		if tail := time.Duration(o.jitter.Len()) * o.config.PacerInterval; tail > 0 {
			time.AfterFunc(tail, play.Release)
		} else {
			play.Release()
		}
	}
	o.transition(TurnListening)
}

// handleInterrupt tears down agent playback once per speaking turn.
// Local barge-in and provider-detected interruption race; first wins.
func (o *Orchestrator) handleInterrupt(source string) {
	o.turnMu.Lock()
	if o.session.Turn() != TurnSpeaking || o.interrupted {
		o.turnMu.Unlock()
		return
	}
	o.interrupted = true
	o.agentText.Reset()
	o.outResidual = o.outResidual[:0]
	o.outPipe.Reset()
	cleared := o.jitter.Clear()
	speak := o.speakToken
	play := o.playToken
	o.speakToken = nil
	o.playToken = nil
	replay := o.preroll.Read()
	o.preroll.Clear()
	o.turnMu.Unlock()

	o.transition(TurnInterrupted)
	if o.metrics != nil {
		o.metrics.BargeInsTotal.WithLabelValues(source).Inc()
	}

	// Nothing is in flight anymore; inbound flows to the provider again.
	if speak != nil {
		speak.Release()
	}
	if play != nil {
		play.Release()
	}

	if source == "local" {
		if sess := o.provider(); sess != nil {
			if err := sess.Interrupt(); err != nil {
				o.logger.Warn("provider interrupt failed", "error", err)
			}
			// Replay the suppressed onset of the caller's utterance so
			// the provider hears what triggered the interruption.
			if len(replay) > 0 {
				if err := sess.SendAudio(replay); err != nil {
					o.logger.Warn("provider audio send failed", "error", err)
				}
			}
		}
	}
	o.detector.Reset()

	o.logger.Info("barge-in", "source", source, "cleared_frames", cleared)
	o.transition(TurnListening)
}

func (o *Orchestrator) releaseTurnTokens() {
	o.turnMu.Lock()
	speak := o.speakToken
	play := o.playToken
	o.speakToken = nil
	o.playToken = nil
	o.turnMu.Unlock()
	if speak != nil {
		speak.Release()
	}
	if play != nil {
		play.Release()
	}
}

// playoutWait is how long the already-synthesized audio needs to finish
// playing at the caller.
func (o *Orchestrator) playoutWait() time.Duration {
	o.turnMu.Lock()
	bytes := o.synthesizedBytes
	o.turnMu.Unlock()
	if bytes == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(o.backendCfg.BytesPerSecond())
}

// execContext snapshots the call for tool handlers.
func (o *Orchestrator) execContext() *tools.ExecContext {
	return &tools.ExecContext{
		CallID:       o.callID(),
		ControlPlane: o.control,
		Session: tools.SessionInfo{
			SessionID: o.session.ID,
			Backend:   o.session.Backend,
			StartedAt: o.session.StartedAt,
			Turn:      o.session.Turn().String(),
		},
		Vars: map[string]string{
			"backend":       o.config.Backend,
			"wire_encoding": string(o.config.WireEncoding),
			"remote_addr":   o.adapter.Info().RemoteAddr,
		},
	}
}

func (o *Orchestrator) handleToolCall(ctx context.Context, ev *provider.ToolCallRequestedEvent) (bool, error) {
	exec := o.execContext()

	if o.tools.IsTerminal(ev.Name) {
		return true, o.runTerminalTool(ctx, ev, exec)
	}

	o.turnMu.Lock()
	over := o.followUps >= o.config.MaxToolFollowUps
	if !over {
		o.followUps++
	}
	o.turnMu.Unlock()

	if over {
		// The model is looping on tools; stop feeding it.
		o.logger.Warn("tool follow-up limit reached", "tool", ev.Name)
		o.session.RecordToolCall(ToolCallRecord{ID: ev.ID, Name: ev.Name, Success: false})
		if o.metrics != nil {
			o.metrics.ToolCallsTotal.WithLabelValues(ev.Name, "limited").Inc()
		}
		return false, nil
	}

	result := o.tools.Execute(ctx, ev.Name, ev.Arguments, exec)
	o.recordTool(ev, result, false)

	if sess := o.provider(); sess != nil {
		err := sess.SubmitToolResult(provider.ToolResult{
			ID:      ev.ID,
			Name:    ev.Name,
			Content: resultContent(result),
			IsError: !result.Success,
		})
		if err != nil {
			o.logger.Warn("tool result submit failed", "tool", ev.Name, "error", err)
		}
	}
	return false, nil
}

// runTerminalTool sequences the farewell before the side effect: the
// farewell lands in history first, already-synthesized audio plays out,
// then the side effect runs and the call ends.
func (o *Orchestrator) runTerminalTool(ctx context.Context, ev *provider.ToolCallRequestedEvent, exec *tools.ExecContext) error {
	o.turnMu.Lock()
	farewell := strings.TrimSpace(o.agentText.String())
	o.agentText.Reset()
	o.turnMu.Unlock()
	if farewell == "" {
		farewell = o.config.FallbackFarewell
	}
	o.session.History.Append("assistant", farewell)

	if wait := o.playoutWait(); wait > 0 {
		o.sleep(wait)
	}

	result := o.tools.Execute(ctx, ev.Name, ev.Arguments, exec)
	o.recordTool(ev, result, true)
	if !result.Success {
		o.logger.Error("terminal tool failed", "tool", ev.Name, "error", result.Err)
	}

	o.logger.Info("call ending", "tool", ev.Name)
	o.cancel()
	return nil
}

func (o *Orchestrator) recordTool(ev *provider.ToolCallRequestedEvent, result *tools.Result, terminal bool) {
	o.session.RecordToolCall(ToolCallRecord{
		ID:       ev.ID,
		Name:     ev.Name,
		Success:  result.Success,
		Terminal: terminal,
	})
	if o.metrics != nil {
		status := "ok"
		if !result.Success {
			status = "error"
		}
		o.metrics.ToolCallsTotal.WithLabelValues(ev.Name, status).Inc()
	}
}

func resultContent(r *tools.Result) string {
	if r.Success {
		return r.Content
	}
	return r.Err
}

// recoverProvider reopens the session once per call. A second failure
// plays the fallback farewell and ends the call.
func (o *Orchestrator) recoverProvider(ctx context.Context, cause error) error {
	o.turnMu.Lock()
	already := o.reconnected
	o.reconnected = true
	o.turnMu.Unlock()

	if already || ctx.Err() != nil {
		o.fallbackFarewell(ctx)
		return fmt.Errorf("provider session lost: %w", cause)
	}

	o.logger.Warn("provider session lost, reconnecting", "error", cause)
	if o.metrics != nil {
		o.metrics.ProviderReconnectsTotal.Inc()
	}

	o.closeProvider()
	sess, err := o.factory(ctx)
	if err != nil {
		o.fallbackFarewell(ctx)
		return fmt.Errorf("provider reconnect failed: %w", err)
	}
	o.setProvider(sess)
	o.transition(TurnListening)
	return nil
}

// fallbackFarewell makes sure the caller never gets dead air: the canned
// farewell plays if configured, and the PBX leg is released.
func (o *Orchestrator) fallbackFarewell(ctx context.Context) {
	o.session.History.Append("assistant", o.config.FallbackFarewell)

	if len(o.config.FarewellAudio) > 0 {
		for off := 0; off < len(o.config.FarewellAudio); off += o.wireFrameSize {
			end := off + o.wireFrameSize
			if end > len(o.config.FarewellAudio) {
				end = len(o.config.FarewellAudio)
			}
			o.jitter.Push(audio.Frame{
				Data:       o.config.FarewellAudio[off:end],
				SampleRate: o.config.WireSampleRate,
				Direction:  audio.DirectionOutbound,
			})
		}
		o.pacer.Drain()
		select {
		case <-o.pacer.Done():
		case <-time.After(10 * time.Second):
		}
	}

	if o.control != nil {
		if err := o.control.EndCall(context.WithoutCancel(ctx), o.callID()); err != nil {
			o.logger.Warn("hangup after provider failure failed", "error", err)
		}
	}
	o.cancel()
}
