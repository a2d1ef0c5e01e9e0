package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateDiscovering  State = "discovering"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateScanning     State = "scanning"
	StateError        State = "error"
)

// Config holds session timing and buffering parameters.
type Config struct {
	DiscoveryWindow  time.Duration // enumeration window, default 4s
	ConnectAttempts  int           // default 3
	ConnectTimeout   time.Duration // per-attempt ack wait, default 15s
	ConnectBackoff   time.Duration // wait between attempts, default 3s
	ScanTimeout      time.Duration // overall scan bound, default 30s
	ScanAttempts     int           // transient retry budget, default 2
	MaxBufferedPages int           // feeder page bound, default 200
}

func (c Config) withDefaults() Config {
	if c.DiscoveryWindow == 0 {
		c.DiscoveryWindow = 4 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 3
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ConnectBackoff == 0 {
		c.ConnectBackoff = 3 * time.Second
	}
	if c.ScanTimeout < 30*time.Second {
		c.ScanTimeout = 30 * time.Second
	}
	if c.ScanAttempts == 0 {
		c.ScanAttempts = 2
	}
	if c.MaxBufferedPages == 0 {
		c.MaxBufferedPages = 200
	}
	return c
}

// TestConfig returns a Config with short timings for tests. The scan
// timeout floor is bypassed so timeout behavior can be exercised quickly.
func TestConfig() Config {
	c := Config{
		DiscoveryWindow:  50 * time.Millisecond,
		ConnectAttempts:  3,
		ConnectTimeout:   100 * time.Millisecond,
		ConnectBackoff:   time.Millisecond,
		ScanAttempts:     2,
		MaxBufferedPages: 200,
	}
	c = c.withDefaults()
	c.ScanTimeout = 200 * time.Millisecond
	return c
}

// Session owns one physical device handle and drives
// discovery → connect → configure → scan → disconnect, with retries,
// timeouts, and page buffering. Exactly one handle may be selected at
// a time; the current scan is represented by a single-slot continuation
// that every callback path resolves exactly once.
type Session struct {
	driver Driver
	cfg    Config

	mu         sync.Mutex
	state      State
	cause      string
	handle     *Handle
	caps       Capabilities
	devices    map[string]Handle
	cancelScan context.CancelFunc
}

// NewSession creates a Session over the given driver. Zero Config
// fields take their defaults.
func NewSession(d Driver, cfg Config) *Session {
	return &Session{
		driver:  d,
		cfg:     cfg.withDefaults(),
		state:   StateDisconnected,
		devices: make(map[string]Handle),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorCause returns the human-readable cause when the session is in
// the error state.
func (s *Session) ErrorCause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Capabilities returns the capability descriptor of the connected device.
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Devices returns the de-duplicated discovery results, sorted by ID.
func (s *Session) Devices() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Handle, 0, len(s.devices))
	for _, h := range s.devices {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Session) setState(state State, cause string) {
	s.mu.Lock()
	s.state = state
	s.cause = cause
	s.mu.Unlock()
}

// Discover runs device enumeration for the configured window and
// returns the devices found. Events are forwarded to the optional
// callback incrementally as devices appear and disappear; the window
// always runs to completion regardless of how many devices show up.
func (s *Session) Discover(ctx context.Context, event func(DiscoveryEvent)) ([]Handle, error) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("discovery requires disconnected state, session is %s", state)
	}
	s.state = StateDiscovering
	s.mu.Unlock()

	windowCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryWindow)
	defer cancel()

	slog.Info("device discovery started", "window", s.cfg.DiscoveryWindow)
	err := s.driver.Discover(windowCtx, func(e DiscoveryEvent) {
		s.mu.Lock()
		if e.Removed {
			delete(s.devices, e.Handle.ID)
		} else {
			s.devices[e.Handle.ID] = e.Handle
		}
		s.mu.Unlock()
		if event != nil {
			event(e)
		}
	})

	s.mu.Lock()
	if s.state == StateDiscovering {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return s.Devices(), fmt.Errorf("discovery: %w", err)
	}
	found := s.Devices()
	slog.Info("device discovery finished", "found", len(found))
	return found, nil
}

// NotifyRemoval handles an unsolicited device-removal notification.
// If the removed device is the selected one, the session drops to
// disconnected and releases the handle.
func (s *Session) NotifyRemoval(h Handle) {
	s.mu.Lock()
	delete(s.devices, h.ID)
	selected := s.handle != nil && s.handle.ID == h.ID
	cancel := s.cancelScan
	s.mu.Unlock()

	if !selected {
		return
	}
	slog.Warn("selected device removed", "id", h.ID)
	if cancel != nil {
		cancel()
	}
	s.Disconnect()
}

// Connect establishes a driver session with the device, using up to
// ConnectAttempts attempts with a bounded ack wait each and a fixed
// backoff between them. After exhausting the budget the session moves
// to error and the handle is released.
func (s *Session) Connect(ctx context.Context, h Handle) error {
	s.mu.Lock()
	if s.state != StateDisconnected && s.state != StateDiscovering {
		state := s.state
		s.mu.Unlock()
		return failf(KindConnectionFailed, "connect requires disconnected state, session is %s", state)
	}
	s.state = StateConnecting
	s.handle = &h
	s.mu.Unlock()

	var caps Capabilities
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.ConnectBackoff), uint64(s.cfg.ConnectAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()

		c, err := s.driver.Connect(attemptCtx, h)
		if err != nil {
			slog.Warn("connect attempt failed", "id", h.ID, "attempt", attempt, "err", err)
			return err
		}
		caps = c
		return nil
	}, policy)
	if err != nil {
		cause := fmt.Sprintf("connect to %s failed after %d attempts: %v", h.ID, attempt, err)
		s.mu.Lock()
		s.state = StateError
		s.cause = cause
		s.handle = nil
		s.mu.Unlock()
		return failf(KindConnectionFailed, "%s", cause)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.cause = ""
	s.caps = caps
	s.mu.Unlock()
	slog.Info("device connected", "id", h.ID, "model", caps.Model, "attempts", attempt)
	return nil
}

// Disconnect releases the device handle and returns to disconnected.
// Safe to call from any state; an in-flight scan is cancelled first.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel := s.cancelScan
	handle := s.handle
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle != nil {
		if err := s.driver.Disconnect(*handle); err != nil {
			slog.Warn("driver disconnect failed", "id", handle.ID, "err", err)
		}
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.cause = ""
	s.handle = nil
	s.caps = Capabilities{}
	s.cancelScan = nil
	s.mu.Unlock()
	slog.Info("device session disconnected")
}

// Cancel aborts the in-flight scan, if any. The pending scan resolves
// with a ScanCancelled failure and the session returns to connected.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelScan
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Scan executes one scan with the given preset. The preset is
// validated against the device capabilities and clamped where the
// hardware requires it; the result reports the settings actually used.
// The whole operation is bounded by the configured scan timeout.
func (s *Session) Scan(ctx context.Context, p Preset) (*Result, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return nil, failf(KindNotConnected, "scan requires connected state, session is %s", state)
	}
	h := *s.handle
	caps := s.caps
	s.state = StateScanning
	s.mu.Unlock()

	res, err := s.scanLocked(ctx, h, caps, p)
	if err != nil {
		s.settleAfterFailure(h, err)
		return nil, err
	}
	s.setState(StateConnected, "")
	return res, nil
}

// settleAfterFailure moves the session out of scanning deterministically:
// back to connected when the device is still healthy, to error otherwise.
func (s *Session) settleAfterFailure(h Handle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScanning {
		return // Disconnect or removal already settled the state
	}
	if s.driver.Alive(h) {
		s.state = StateConnected
		s.cause = ""
		return
	}
	s.state = StateError
	s.cause = err.Error()
}

func (s *Session) scanLocked(ctx context.Context, h Handle, caps Capabilities, p Preset) (*Result, error) {
	// The driver may have closed the session underneath us; reconnect
	// once before giving up.
	if !s.driver.Alive(h) {
		slog.Warn("driver session closed, reconnecting", "id", h.ID)
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		c, err := s.driver.Connect(attemptCtx, h)
		cancel()
		if err != nil {
			return nil, failf(KindConnectionFailed, "reconnect to %s: %v", h.ID, err)
		}
		caps = c
		s.mu.Lock()
		s.caps = c
		s.mu.Unlock()
	}

	settings, err := applyPreset(p, caps)
	if err != nil {
		return nil, err
	}
	slog.Info("scan starting", "preset", p.Name, "settings", settings.String())

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()
	s.mu.Lock()
	s.cancelScan = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelScan = nil
		s.mu.Unlock()
	}()

	var pages []Page
	for attempt := 1; ; attempt++ {
		pages, err = s.runScan(scanCtx, h, settings)
		if err == nil {
			break
		}
		f := asFailure(err)
		if f.Transient && attempt < s.cfg.ScanAttempts && scanCtx.Err() == nil {
			slog.Warn("transient scan failure, retrying", "attempt", attempt, "err", f)
			continue
		}
		return nil, f
	}

	res := &Result{
		Pages:       pages,
		Resolution:  settings.Resolution,
		ColorMode:   settings.ColorMode,
		Source:      settings.Source,
		DeviceModel: caps.Model,
		ScannedAt:   time.Now().UTC(),
	}
	slog.Info("scan finished", "pages", len(res.Pages), "resolution", res.Resolution)
	return res, nil
}

// runScan executes a single scan attempt, racing the driver against
// the session timeout.
func (s *Session) runScan(ctx context.Context, h Handle, settings Settings) ([]Page, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	op := newOperation(s.cfg.MaxBufferedPages, settings.Source == SourceFlatbed)
	go func() {
		op.finish(s.driver.Scan(runCtx, h, settings, op.page))
	}()

	select {
	case out := <-op.done:
		if out.err != nil {
			return nil, out.err
		}
		if len(out.pages) == 0 {
			return nil, failf(KindScanFailed, "scan produced no pages")
		}
		return out.pages, nil
	case <-ctx.Done():
		cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, failf(KindScanTimeout, "scan exceeded %s", s.cfg.ScanTimeout)
		}
		return nil, failf(KindScanCancelled, "scan cancelled")
	}
}

// applyPreset validates the preset against the capability descriptor
// and produces the settings actually sent to the hardware. Resolution
// is clamped to the nearest supported value; the source falls back to
// the alternate physical unit when the requested one does not exist.
func applyPreset(p Preset, caps Capabilities) (Settings, error) {
	if !caps.SupportsColorMode(p.ColorMode) {
		return Settings{}, failf(KindUnsupported, "color mode %q not supported by %s", p.ColorMode, caps.Model)
	}
	if !caps.SupportsBitDepth(p.BitDepth) {
		return Settings{}, failf(KindUnsupported, "bit depth %d not supported by %s", p.BitDepth, caps.Model)
	}

	src := p.Source
	if src == "" {
		src = SourceFeeder
	}
	if !caps.HasSource(src) {
		alt := SourceFlatbed
		if src == SourceFlatbed {
			alt = SourceFeeder
		}
		if !caps.HasSource(alt) {
			return Settings{}, failf(KindNoFunctionalUnit, "device %s has neither %s nor %s", caps.Model, src, alt)
		}
		slog.Warn("requested source unavailable, falling back", "requested", src, "using", alt)
		src = alt
	}

	duplex := p.Duplex
	if duplex && (!caps.Duplex || src == SourceFlatbed) {
		slog.Warn("duplex unavailable, scanning simplex", "source", src)
		duplex = false
	}

	area := p.Area
	if area != nil {
		clamped := *area
		if caps.MaxWidth > 0 && clamped.OffsetX+clamped.Width > caps.MaxWidth {
			clamped.Width = caps.MaxWidth - clamped.OffsetX
		}
		if caps.MaxHeight > 0 && clamped.OffsetY+clamped.Height > caps.MaxHeight {
			clamped.Height = caps.MaxHeight - clamped.OffsetY
		}
		area = &clamped
	}

	return Settings{
		Resolution:    caps.ClosestResolution(p.Resolution),
		ColorMode:     p.ColorMode,
		Source:        src,
		Duplex:        duplex,
		BitDepth:      p.BitDepth,
		Area:          area,
		FrontRotation: p.FrontRotation,
		BackRotation:  p.BackRotation,
	}, nil
}

// asFailure normalizes any error leaving the session into a Failure.
func asFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failf(KindScanTimeout, "%v", err)
	}
	if errors.Is(err, context.Canceled) {
		return failf(KindScanCancelled, "%v", err)
	}
	return &Failure{Kind: KindScanFailed, Msg: err.Error()}
}
