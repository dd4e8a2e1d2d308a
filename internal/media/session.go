package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/ringwatch/internal/tone"
)

// SessionState represents the lifecycle state of a detection session.
type SessionState int

const (
	SessionStateListening SessionState = iota // bound, consuming early media
	SessionStateFinished                      // terminal verdict reached
	SessionStateStopped                       // stopped before a verdict
)

func (s SessionState) String() string {
	switch s {
	case SessionStateListening:
		return "listening"
	case SessionStateFinished:
		return "finished"
	case SessionStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is one early-media analysis attached to one call leg. The PBX
// forks the leg's inbound RTP to the session's port; the session decodes it
// and drives a dedicated tone detector until a verdict or a stop.
type Session struct {
	ID           string
	CallID       string
	Port         int
	PayloadType  int
	HangupOnBusy bool
	CreatedAt    time.Time

	conn *net.UDPConn

	mu          sync.RWMutex
	state       SessionState
	result      *tone.Verdict
	provisional tone.Type

	// stopped signals the tap goroutine to stop.
	stopped atomic.Bool
	done    chan struct{}

	framesProcessed atomic.Uint64
	packetsDropped  atomic.Uint64
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Result returns the committed verdict, or nil while still listening.
func (s *Session) Result() *tone.Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Provisional returns the last non-final classification (ringback), or
// Unknown when none has been made yet.
func (s *Session) Provisional() tone.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provisional
}

// FramesProcessed returns the number of audio frames fed to the detector.
func (s *Session) FramesProcessed() uint64 {
	return s.framesProcessed.Load()
}

// PacketsDropped returns the number of packets discarded before decoding
// (wrong payload type, truncated RTP).
func (s *Session) PacketsDropped() uint64 {
	return s.packetsDropped.Load()
}

// Done is closed when the tap goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// VerdictRecord is the persisted outcome of a finished session.
type VerdictRecord struct {
	SessionID    string
	CallID       string
	Tone         string
	FinishCause  string
	ToneMs       int64
	SilenceMs    int64
	ElapsedMs    int64
	HangupOnBusy bool
	StartedAt    time.Time
	FinishedAt   time.Time
}

// VerdictStore persists finished verdicts. Implementations must be safe
// for concurrent use.
type VerdictStore interface {
	SaveVerdict(ctx context.Context, rec VerdictRecord) error
}

// Notifier delivers verdict events to the host collaborator (typically a
// webhook back to the PBX). final is false for provisional ringback updates.
type Notifier interface {
	NotifyVerdict(ctx context.Context, rec VerdictRecord, final bool) error
}

// StartOptions configures a new detection session.
type StartOptions struct {
	// CallID associates the session with the host's call leg.
	CallID string
	// PayloadType is the G.711 codec of the forked stream
	// (PayloadPCMU or PayloadPCMA). Defaults to PCMU.
	PayloadType int
	// MaxDetectTime overrides the configured detection deadline when positive.
	MaxDetectTime time.Duration
	// HangupOnBusy is the host policy reported back with the verdict. The
	// session itself never affects the call.
	HangupOnBusy bool
}

// ManagerConfig holds the Manager's fixed settings.
type ManagerConfig struct {
	// PortMin and PortMax bound the UDP listener port range. PortMin must
	// be even; even ports are handed out so PBXes can keep the usual RTP
	// port convention when forking media.
	PortMin int
	PortMax int
	// Detector is the base detector configuration for new sessions.
	Detector tone.Config
}

// Manager allocates listener ports, owns the session registry, and wires
// each session's detector to the verdict store and notifier. One Manager
// serves the whole process; sessions are fully independent of each other.
type Manager struct {
	cfg    ManagerConfig
	store  VerdictStore
	notify Notifier
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	allocated map[int]struct{} // set of allocated listener ports (even numbers)
	nextPort  int

	verdictMu     sync.Mutex
	verdictTotals map[string]uint64 // finished verdicts by tone name
}

// NewManager creates a session manager. store and notify may be nil to
// disable persistence or notification.
func NewManager(cfg ManagerConfig, store VerdictStore, notify Notifier, logger *slog.Logger) (*Manager, error) {
	if cfg.PortMin%2 != 0 {
		return nil, fmt.Errorf("port min must be even, got %d", cfg.PortMin)
	}
	if cfg.PortMax <= cfg.PortMin {
		return nil, fmt.Errorf("port max (%d) must be greater than port min (%d)", cfg.PortMax, cfg.PortMin)
	}
	if err := cfg.Detector.Validate(); err != nil {
		return nil, err
	}

	l := logger.With("subsystem", "media-sessions")
	l.Info("detection listener pool initialized",
		"port_min", cfg.PortMin,
		"port_max", cfg.PortMax,
		"capacity", (cfg.PortMax-cfg.PortMin+1)/2,
	)

	return &Manager{
		cfg:           cfg,
		store:         store,
		notify:        notify,
		logger:        l,
		sessions:      make(map[string]*Session),
		allocated:     make(map[int]struct{}),
		nextPort:      cfg.PortMin,
		verdictTotals: make(map[string]uint64),
	}, nil
}

// Start allocates a listener port, builds a detector for the call leg, and
// begins consuming forked early media in a background goroutine. The
// returned session carries the port the PBX should fork the leg's RTP to.
func (m *Manager) Start(opts StartOptions) (*Session, error) {
	if opts.CallID == "" {
		return nil, fmt.Errorf("call id is required")
	}

	payloadType := opts.PayloadType
	if payloadType == 0 {
		payloadType = PayloadPCMU
	}
	if payloadType != PayloadPCMU && payloadType != PayloadPCMA {
		return nil, fmt.Errorf("unsupported payload type %d", payloadType)
	}

	detCfg := m.cfg.Detector
	if opts.MaxDetectTime > 0 {
		detCfg.MaxDetectTime = opts.MaxDetectTime
	}

	port, conn, err := m.allocatePort()
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:           uuid.NewString(),
		CallID:       opts.CallID,
		Port:         port,
		PayloadType:  payloadType,
		HangupOnBusy: opts.HangupOnBusy,
		CreatedAt:    time.Now(),
		conn:         conn,
		state:        SessionStateListening,
		done:         make(chan struct{}),
	}

	tap, err := newTap(session, detCfg, m, m.logger)
	if err != nil {
		m.releasePort(port, conn)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	go tap.run()

	m.logger.Info("detection session started",
		"session_id", session.ID,
		"call_id", session.CallID,
		"port", port,
		"payload_type", payloadType,
		"max_detect_time", detCfg.MaxDetectTime,
	)

	return session, nil
}

// Get returns a session by ID, or nil if not found.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Sessions returns all known sessions, newest first.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stop ends a session before a terminal verdict, waiting for its tap to
// exit. It is idempotent and reports whether the session exists.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	m.mu.Unlock()
	if !exists {
		return false
	}

	if session.stopped.CompareAndSwap(false, true) {
		// Unblock the tap's read promptly; the tap finalizes the state.
		session.conn.SetReadDeadline(time.Now())
	}
	<-session.done
	return true
}

// Count returns the number of sessions still listening.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.State() == SessionStateListening {
			n++
		}
	}
	return n
}

// Remove stops a session if needed and drops it from the registry.
func (m *Manager) Remove(sessionID string) {
	m.Stop(sessionID)
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// StopAll ends every session. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}

	m.logger.Info("all detection sessions stopped", "count", len(ids))
}

// sessionFinished is called by the tap when its session leaves the
// listening state: terminal verdict, operator stop, or dead stream. It
// releases the port, persists the verdict, and notifies the host.
func (m *Manager) sessionFinished(s *Session, v tone.Verdict) {
	m.mu.Lock()
	delete(m.allocated, s.Port)
	m.mu.Unlock()
	s.conn.Close()

	m.verdictMu.Lock()
	m.verdictTotals[v.Tone.String()]++
	m.verdictMu.Unlock()

	rec := m.record(s, v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if m.store != nil {
		if err := m.store.SaveVerdict(ctx, rec); err != nil {
			m.logger.Error("failed to persist verdict",
				"session_id", s.ID,
				"call_id", s.CallID,
				"error", err,
			)
		}
	}

	if m.notify != nil {
		if err := m.notify.NotifyVerdict(ctx, rec, true); err != nil {
			m.logger.Warn("verdict notification failed",
				"session_id", s.ID,
				"call_id", s.CallID,
				"error", err,
			)
		}
	}
}

// sessionProvisional relays a non-final ringback update to the notifier.
func (m *Manager) sessionProvisional(s *Session, v tone.Verdict) {
	if m.notify == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.notify.NotifyVerdict(ctx, m.record(s, v), false); err != nil {
		m.logger.Warn("provisional notification failed",
			"session_id", s.ID,
			"call_id", s.CallID,
			"error", err,
		)
	}
}

func (m *Manager) record(s *Session, v tone.Verdict) VerdictRecord {
	return VerdictRecord{
		SessionID:    s.ID,
		CallID:       s.CallID,
		Tone:         v.Tone.String(),
		FinishCause:  v.Cause.String(),
		ToneMs:       v.ToneMs,
		SilenceMs:    v.SilenceMs,
		ElapsedMs:    v.ElapsedMs,
		HangupOnBusy: s.HangupOnBusy,
		StartedAt:    s.CreatedAt,
		FinishedAt:   time.Now(),
	}
}

// allocatePort binds a UDP listener on an even port from the pool.
func (m *Manager) allocatePort() (int, *net.UDPConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	capacity := (m.cfg.PortMax - m.cfg.PortMin + 1) / 2
	if len(m.allocated) >= capacity {
		return 0, nil, fmt.Errorf("no listener ports available (all %d allocated)", capacity)
	}

	// Scan from nextPort through the range to find an available even port.
	startPort := m.nextPort
	for {
		port := m.nextPort

		// Advance nextPort for the next allocation (wrap around).
		m.nextPort += 2
		if m.nextPort > m.cfg.PortMax-1 {
			m.nextPort = m.cfg.PortMin
		}

		if _, taken := m.allocated[port]; taken {
			if m.nextPort == startPort {
				return 0, nil, fmt.Errorf("no listener ports available (all checked)")
			}
			continue
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			// Port might be in use by another process; skip it.
			m.logger.Debug("port bind failed, trying next",
				"port", port,
				"error", err,
			)
			if m.nextPort == startPort {
				return 0, nil, fmt.Errorf("no bindable listener ports available")
			}
			continue
		}

		m.allocated[port] = struct{}{}
		return port, conn, nil
	}
}

// releasePort closes the listener and returns the port to the pool.
func (m *Manager) releasePort(port int, conn *net.UDPConn) {
	conn.Close()
	m.mu.Lock()
	delete(m.allocated, port)
	m.mu.Unlock()
}

// ActiveSessionCount implements the metrics provider for listening sessions.
func (m *Manager) ActiveSessionCount() int {
	return m.Count()
}

// AggregateFramesProcessed sums processed frames across all known sessions.
func (m *Manager) AggregateFramesProcessed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, s := range m.sessions {
		n += s.FramesProcessed()
	}
	return n
}

// AggregatePacketsDropped sums dropped packets across all known sessions.
func (m *Manager) AggregatePacketsDropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, s := range m.sessions {
		n += s.PacketsDropped()
	}
	return n
}

// VerdictTotals returns a copy of the finished-verdict counts by tone name.
func (m *Manager) VerdictTotals() map[string]uint64 {
	m.verdictMu.Lock()
	defer m.verdictMu.Unlock()
	out := make(map[string]uint64, len(m.verdictTotals))
	for k, v := range m.verdictTotals {
		out[k] = v
	}
	return out
}
