package media

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/flowpbx/ringwatch/internal/tone"
)

// tapReadTimeout is the read deadline for the tap's UDP socket. Short
// enough to allow prompt stop checks.
const tapReadTimeout = 100 * time.Millisecond

// streamIdleGrace is how far past the detection deadline the tap keeps the
// socket open waiting for packets. The detector's own timeout is driven by
// audio time, so a stream that stops delivering packets entirely would
// otherwise hold the port forever.
const streamIdleGrace = 5 * time.Second

// tap consumes one forked early-media RTP stream and drives the session's
// detector. All detector calls happen on the tap goroutine, so frame
// processing is serialized by construction.
type tap struct {
	session *Session
	det     *tone.Detector
	mgr     *Manager
	logger  *slog.Logger

	// wallDeadline bounds the tap on the wall clock for dead streams.
	wallDeadline time.Time
}

func newTap(session *Session, detCfg tone.Config, mgr *Manager, logger *slog.Logger) (*tap, error) {
	det, err := tone.NewDetector(detCfg, nil)
	if err != nil {
		return nil, err
	}
	return &tap{
		session: session,
		det:     det,
		mgr:     mgr,
		logger: logger.With("subsystem", "media-tap",
			"session_id", session.ID,
			"call_id", session.CallID,
		),
		wallDeadline: time.Now().Add(detCfg.MaxDetectTime + streamIdleGrace),
	}, nil
}

// run reads packets until the detector reaches a terminal verdict, the
// session is stopped, or the stream goes dead. Intended to be called as a
// goroutine.
func (t *tap) run() {
	defer close(t.session.done)

	buf := make([]byte, maxRTPPacket)
	pcm := make([]int16, 0, maxRTPPacket)
	learned := false

	for {
		if t.session.stopped.Load() {
			t.finalize(SessionStateStopped, "stopped by operator")
			return
		}
		if time.Now().After(t.wallDeadline) {
			t.finalize(SessionStateStopped, "stream idle past deadline")
			return
		}

		t.session.conn.SetReadDeadline(time.Now().Add(tapReadTimeout))
		n, srcAddr, err := t.session.conn.ReadFromUDP(buf)
		if err != nil {
			// Timeout is expected; loop to re-check the stop flag.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if t.session.stopped.Load() {
				t.finalize(SessionStateStopped, "stopped by operator")
				return
			}
			t.logger.Debug("rtp read error", "error", err)
			continue
		}

		pkt := buf[:n]

		pt := rtpPayloadType(pkt)
		if pt != t.session.PayloadType || n <= minRTPHeader {
			// Truncated RTP or a payload type we were not told to expect.
			// The frame is skipped; detection state is unchanged.
			t.session.packetsDropped.Add(1)
			continue
		}

		if !learned {
			t.logger.Info("early media stream arrived", "remote", srcAddr.String())
			learned = true
		}

		pcm = DecodeG711(pcm[:0], pkt[minRTPHeader:n], pt)
		res := t.det.ProcessSamples(pcm)
		t.session.framesProcessed.Add(1)

		switch res.Event {
		case tone.EventProvisional:
			t.session.mu.Lock()
			t.session.provisional = res.Verdict.Tone
			t.session.mu.Unlock()

			t.logger.Info("provisional classification",
				"tone", res.Verdict.Tone.String(),
				"on_ms", res.Verdict.ToneMs,
				"off_ms", res.Verdict.SilenceMs,
			)
			t.mgr.sessionProvisional(t.session, *res.Verdict)

		case tone.EventFinal:
			t.session.mu.Lock()
			t.session.state = SessionStateFinished
			t.session.result = res.Verdict
			t.session.mu.Unlock()

			t.logger.Info("detection finished",
				"tone", res.Verdict.Tone.String(),
				"finish_cause", res.Verdict.Cause.String(),
				"on_ms", res.Verdict.ToneMs,
				"off_ms", res.Verdict.SilenceMs,
				"elapsed_ms", res.Verdict.ElapsedMs,
			)
			t.mgr.sessionFinished(t.session, *res.Verdict)
			return
		}
	}
}

// finalize ends the run without a classification and records the stop
// verdict on the session.
func (t *tap) finalize(state SessionState, reason string) {
	t.det.Stop()
	v := t.det.Result()

	t.session.mu.Lock()
	if t.session.result == nil {
		t.session.state = state
		t.session.result = v
	}
	t.session.mu.Unlock()

	t.logger.Info("detection session ended without verdict", "reason", reason)
	t.mgr.sessionFinished(t.session, *v)
}
