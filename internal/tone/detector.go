package tone

import (
	"errors"
	"fmt"
	"time"
)

// Frame/stream errors.
var (
	// ErrInvalidConfig wraps all configuration validation failures reported
	// by NewDetector. Invalid values are never silently clamped.
	ErrInvalidConfig = errors.New("invalid detector config")

	// ErrMalformedFrame is returned by ProcessFrame for an empty or
	// odd-length buffer. The frame is skipped and detector state is
	// unchanged; transient frame corruption does not abort the session.
	ErrMalformedFrame = errors.New("malformed audio frame")
)

// Config holds the immutable parameters for one detection run. The sample
// rate and analysis window together determine the frequency resolution and
// must not change mid-run.
type Config struct {
	// SampleRate of the incoming linear PCM audio in Hz.
	SampleRate int
	// TargetFreq is the call-progress tone frequency to estimate, in Hz.
	TargetFreq float64
	// Window is the analysis window length in samples for the frequency
	// estimator. 205 samples at 8 kHz covers about 25.6 ms, fine enough to
	// resolve the shortest expected on/off segment.
	Window int
	// EnergyThreshold is the RMS amplitude above which a frame counts as
	// tone-present.
	EnergyThreshold float64
	// FreqPowerFloor is the minimum frequency-estimator power for the
	// target frequency to count as present. Only consulted when
	// RequireTargetFrequency is set.
	FreqPowerFloor float64
	// RequireTargetFrequency additionally gates tone presence on the
	// frequency estimate: a frame is tone-present only when the RMS is
	// above threshold and the most recent analysis window showed power at
	// the target frequency. Off by default; the wideband energy decision
	// alone is authoritative for on/off segmentation.
	RequireTargetFrequency bool
	// MaxDetectTime bounds the whole detection run. When the elapsed audio
	// time exceeds it, the detector finishes with a timeout verdict.
	MaxDetectTime time.Duration
	// ConfirmBusy, ConfirmRingback and ConfirmCongestion are the number of
	// consecutive matching cadence cycles required before committing to
	// each verdict. Ringback defaults to a single match: a false positive
	// is tolerable there and waiting a full extra ring cycle is costly.
	ConfirmBusy       int
	ConfirmRingback   int
	ConfirmCongestion int
}

// DefaultConfig returns the standard configuration for 450 Hz call-progress
// detection on 8 kHz 16-bit mono audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:        8000,
		TargetFreq:        450,
		Window:            205,
		EnergyThreshold:   500,
		FreqPowerFloor:    1000,
		MaxDetectTime:     60 * time.Second,
		ConfirmBusy:       2,
		ConfirmRingback:   1,
		ConfirmCongestion: 2,
	}
}

// Validate checks the configuration, failing fast on non-positive durations
// and thresholds.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidConfig, c.SampleRate)
	}
	if c.TargetFreq <= 0 || c.TargetFreq >= float64(c.SampleRate)/2 {
		return fmt.Errorf("%w: target frequency must be positive and below Nyquist, got %v", ErrInvalidConfig, c.TargetFreq)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window length must be positive, got %d", ErrInvalidConfig, c.Window)
	}
	if c.EnergyThreshold <= 0 {
		return fmt.Errorf("%w: energy threshold must be positive, got %v", ErrInvalidConfig, c.EnergyThreshold)
	}
	if c.FreqPowerFloor <= 0 {
		return fmt.Errorf("%w: frequency power floor must be positive, got %v", ErrInvalidConfig, c.FreqPowerFloor)
	}
	if c.MaxDetectTime <= 0 {
		return fmt.Errorf("%w: max detect time must be positive, got %v", ErrInvalidConfig, c.MaxDetectTime)
	}
	if c.ConfirmBusy < 1 || c.ConfirmRingback < 1 || c.ConfirmCongestion < 1 {
		return fmt.Errorf("%w: confirm counts must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// FinishCause explains why a detection run produced its verdict.
type FinishCause int

const (
	CauseNone       FinishCause = iota // not finished (provisional update)
	CauseBusy                          // busy cadence confirmed
	CauseCongestion                    // congestion cadence confirmed
	CauseRingback                      // timed out after ringback was heard
	CauseTimeout                       // timed out with no classification
	CauseStopped                       // stopped by the caller
)

func (c FinishCause) String() string {
	switch c {
	case CauseBusy:
		return "busy"
	case CauseCongestion:
		return "congestion"
	case CauseRingback:
		return "ringback"
	case CauseTimeout:
		return "timeout"
	case CauseStopped:
		return "stopped"
	default:
		return "none"
	}
}

// Verdict is a classification result together with the cadence evidence
// that produced it. Final verdicts are produced at most once per run;
// ringback is reported as a non-final update because it legitimately
// repeats and a later busy or congestion signal may still override it.
type Verdict struct {
	Tone  Type
	Cause FinishCause
	Final bool

	// ToneMs and SilenceMs are the segment durations evaluated at the
	// transition that produced this verdict. SilenceMs is zero when no
	// silence segment had completed yet.
	ToneMs    int64
	SilenceMs int64

	// ElapsedMs is the audio time since the start of the run.
	ElapsedMs int64
}

// Event says what, if anything, a processed frame produced.
type Event int

const (
	EventNone        Event = iota // no update this frame
	EventProvisional              // non-final classification (ringback)
	EventFinal                    // terminal verdict; the detector is quiescent
)

// FrameResult is returned by every frame-processing call.
type FrameResult struct {
	Event   Event
	Verdict *Verdict // set for EventProvisional and EventFinal
}

// VerdictSink receives verdicts synchronously from within the
// frame-processing call. OnVerdict is invoked at most once with a final
// verdict and possibly multiple times with non-final ringback updates.
// Implementations must not block; any call-affecting action (such as
// hanging up on busy) is the host's responsibility.
type VerdictSink interface {
	OnVerdict(v Verdict)
}

// segmentKind tags the cadence state machine's current segment.
type segmentKind int

const (
	segSilence segmentKind = iota
	segTone
)

// noTimestamp marks a segment boundary that has not been observed yet.
const noTimestamp int64 = -1

// Detector is a streaming classifier for early-media call-progress tones.
// It ingests fixed-rate mono PCM frames and incrementally produces a
// busy / ringback / congestion / unknown verdict from the signal's on/off
// cadence, gated by wideband energy with a single-bin frequency estimate
// accumulating alongside.
//
// One Detector serves exactly one audio stream and must not be invoked
// concurrently; successive frame-processing calls mutate its state in
// order. Elapsed time is derived from the running sample count, so the
// caller only has to deliver consecutive, non-overlapping frames.
type Detector struct {
	cfg  Config
	freq *Goertzel
	sink VerdictSink

	running      bool
	totalSamples int64

	// Most recent completed frequency-analysis window.
	freqPower float64
	freqSeen  bool

	// Current segment and its start time. phaseStart is noTimestamp while
	// the initial silence segment has not been observed yet.
	phase      segmentKind
	phaseStart int64

	// Durations of the most recently completed segments.
	lastToneMs    int64
	lastSilenceMs int64

	// Consecutive cadence match counters per tone type.
	busyRun       int
	ringbackRun   int
	congestionRun int

	// provisional is the last non-final classification (ringback).
	provisional Type
	verdict     *Verdict
}

// NewDetector validates the configuration and creates a detector. The sink
// may be nil, in which case verdicts are only delivered through
// FrameResult values.
func NewDetector(cfg Config, sink VerdictSink) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	freq, err := NewGoertzel(cfg.TargetFreq, float64(cfg.SampleRate), cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &Detector{
		cfg:           cfg,
		freq:          freq,
		sink:          sink,
		running:       true,
		phase:         segSilence,
		phaseStart:    noTimestamp,
		lastToneMs:    noTimestamp,
		lastSilenceMs: noTimestamp,
	}, nil
}

// Running reports whether the detector is still consuming frames.
func (d *Detector) Running() bool {
	return d.running
}

// Result returns the committed verdict, or nil before a terminal state.
func (d *Detector) Result() *Verdict {
	return d.verdict
}

// Provisional returns the last non-final classification (ringback), or
// Unknown when none has been made.
func (d *Detector) Provisional() Type {
	return d.provisional
}

// FrequencyPower returns the power estimate from the most recent completed
// analysis window and whether any window has completed. It is advisory
// evidence alongside the energy-based segmentation.
func (d *Detector) FrequencyPower() (float64, bool) {
	return d.freqPower, d.freqSeen
}

// Stop ends the run without a classification. If no terminal verdict was
// reached, the result records the stop; the sink is not invoked, since the
// caller initiated it. Stop is idempotent.
func (d *Detector) Stop() {
	if !d.running {
		return
	}
	d.running = false
	d.verdict = &Verdict{
		Tone:      d.provisional,
		Cause:     CauseStopped,
		Final:     true,
		ToneMs:    zeroIfUnset(d.lastToneMs),
		SilenceMs: zeroIfUnset(d.lastSilenceMs),
		ElapsedMs: d.elapsedMs(),
	}
}

// ProcessFrame decodes one frame of 16-bit little-endian linear PCM and
// advances the detector. An empty or odd-length buffer returns
// ErrMalformedFrame with the state untouched; the caller should log a
// warning and continue with the next frame.
func (d *Detector) ProcessFrame(frame []byte) (FrameResult, error) {
	if len(frame) == 0 || len(frame)%2 != 0 {
		return FrameResult{Event: EventNone}, ErrMalformedFrame
	}

	samples := make([]int16, len(frame)/2)
	for i := range samples {
		samples[i] = int16(frame[2*i]) | int16(frame[2*i+1])<<8
	}
	return d.ProcessSamples(samples), nil
}

// ProcessSamples advances the detector by one frame of PCM samples. The
// call completes fully before returning; work is bounded and proportional
// to the frame size. After a terminal verdict the detector is quiescent and
// further calls return the committed result without touching state.
func (d *Detector) ProcessSamples(samples []int16) FrameResult {
	if !d.running {
		return FrameResult{Event: EventNone, Verdict: d.verdict}
	}
	if len(samples) == 0 {
		return FrameResult{Event: EventNone}
	}

	now := d.elapsedMs()

	// Deadline check happens before any frame processing, regardless of
	// the current segment.
	if now > d.cfg.MaxDetectTime.Milliseconds() {
		return d.finishTimeout(now)
	}

	rms := FrameRMS(samples)
	for _, s := range samples {
		if p, ok := d.freq.Feed(s); ok {
			d.freqPower = p
			d.freqSeen = true
		}
	}
	d.totalSamples += int64(len(samples))

	present := rms > d.cfg.EnergyThreshold
	if d.cfg.RequireTargetFrequency {
		present = present && d.freqSeen && d.freqPower > d.cfg.FreqPowerFloor
	}

	switch {
	case present && d.phase == segSilence:
		// Silence → Tone: close out the silence segment if one was timed.
		if d.phaseStart != noTimestamp {
			d.lastSilenceMs = now - d.phaseStart
		}
		d.phase = segTone
		d.phaseStart = now

	case !present && d.phase == segTone:
		// Tone → Silence: measure the tone segment and classify.
		d.lastToneMs = now - d.phaseStart
		d.phase = segSilence
		d.phaseStart = now
		return d.classify(now)

	case !present && d.phaseStart == noTimestamp:
		// First silent frame: start timing the initial silence segment.
		d.phaseStart = now
	}

	return FrameResult{Event: EventNone}
}

// classify evaluates the completed tone segment against the cadence
// templates. The off duration of the pair is not known yet at this instant,
// so the previous silence segment's duration stands in for it, with zero
// substituted when none has completed; the busy and congestion off-ranges
// exclude zero, so neither can be confirmed from a first beep alone.
func (d *Detector) classify(now int64) FrameResult {
	onMs := d.lastToneMs
	offMs := zeroIfUnset(d.lastSilenceMs)

	matched, ok := MatchCadence(onMs, offMs)
	if !ok {
		// A broken cadence forfeits all accumulated confidence.
		d.busyRun, d.ringbackRun, d.congestionRun = 0, 0, 0
		return FrameResult{Event: EventNone}
	}

	switch matched {
	case Busy:
		d.busyRun++
		d.ringbackRun, d.congestionRun = 0, 0
		if d.busyRun >= d.cfg.ConfirmBusy {
			return d.finish(Busy, CauseBusy, onMs, offMs, now)
		}

	case Ringback:
		d.ringbackRun++
		d.busyRun, d.congestionRun = 0, 0
		if d.ringbackRun >= d.cfg.ConfirmRingback {
			// Ringback repeats; keep monitoring so a later busy or
			// congestion signal can still override it.
			d.provisional = Ringback
			v := &Verdict{
				Tone:      Ringback,
				Cause:     CauseNone,
				ToneMs:    onMs,
				SilenceMs: offMs,
				ElapsedMs: now,
			}
			if d.sink != nil {
				d.sink.OnVerdict(*v)
			}
			return FrameResult{Event: EventProvisional, Verdict: v}
		}

	case Congestion:
		d.congestionRun++
		d.busyRun, d.ringbackRun = 0, 0
		if d.congestionRun >= d.cfg.ConfirmCongestion {
			return d.finish(Congestion, CauseCongestion, onMs, offMs, now)
		}
	}

	return FrameResult{Event: EventNone}
}

// finish commits a terminal verdict and quiesces the detector.
func (d *Detector) finish(tone Type, cause FinishCause, onMs, offMs, now int64) FrameResult {
	d.running = false
	d.verdict = &Verdict{
		Tone:      tone,
		Cause:     cause,
		Final:     true,
		ToneMs:    onMs,
		SilenceMs: offMs,
		ElapsedMs: now,
	}
	if d.sink != nil {
		d.sink.OnVerdict(*d.verdict)
	}
	return FrameResult{Event: EventFinal, Verdict: d.verdict}
}

// finishTimeout commits the deadline verdict. A provisionally classified
// ringback is retained as the reported tone; otherwise the line stays
// unknown.
func (d *Detector) finishTimeout(now int64) FrameResult {
	cause := CauseTimeout
	if d.provisional == Ringback {
		cause = CauseRingback
	}
	return d.finish(d.provisional, cause, zeroIfUnset(d.lastToneMs), zeroIfUnset(d.lastSilenceMs), now)
}

// elapsedMs is the audio time consumed so far, derived from the sample
// counter rather than a wall clock so runs are deterministic and testable.
func (d *Detector) elapsedMs() int64 {
	return d.totalSamples * 1000 / int64(d.cfg.SampleRate)
}

func zeroIfUnset(ms int64) int64 {
	if ms == noTimestamp {
		return 0
	}
	return ms
}
