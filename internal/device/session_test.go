package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptStep describes one scripted Scan invocation.
type scriptStep struct {
	pages []Page
	err   error
	hang  bool // deliver pages, then block until cancelled
}

// scriptDriver scripts a sequence of connect and scan outcomes so
// session behavior (retry counts, final state) can be asserted without
// hardware.
type scriptDriver struct {
	mu           sync.Mutex
	caps         Capabilities
	events       []DiscoveryEvent
	connectErrs  []error // consumed one per Connect call; nil entry = success
	connectCalls int
	scanScript   []scriptStep
	scanCalls    int
	alive        bool
}

func newScriptDriver() *scriptDriver {
	return &scriptDriver{
		caps: Capabilities{
			Model:       "ScriptScan",
			Resolutions: []int{150, 300, 600},
			ColorModes:  []ColorMode{ColorColor, ColorGray},
			BitDepths:   []int{8, 24},
			Flatbed:     true,
			Feeder:      true,
			Duplex:      true,
		},
	}
}

func (d *scriptDriver) Discover(ctx context.Context, event func(DiscoveryEvent)) error {
	for _, e := range d.events {
		event(e)
	}
	<-ctx.Done()
	return nil
}

func (d *scriptDriver) Connect(ctx context.Context, h Handle) (Capabilities, error) {
	d.mu.Lock()
	i := d.connectCalls
	d.connectCalls++
	var err error
	if i < len(d.connectErrs) {
		err = d.connectErrs[i]
	}
	d.mu.Unlock()
	if err != nil {
		return Capabilities{}, err
	}
	d.mu.Lock()
	d.alive = true
	d.mu.Unlock()
	return d.caps, nil
}

func (d *scriptDriver) Disconnect(h Handle) error {
	d.mu.Lock()
	d.alive = false
	d.mu.Unlock()
	return nil
}

func (d *scriptDriver) Alive(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

func (d *scriptDriver) Scan(ctx context.Context, h Handle, s Settings, onPage func(Page)) error {
	d.mu.Lock()
	i := d.scanCalls
	d.scanCalls++
	var step scriptStep
	if i < len(d.scanScript) {
		step = d.scanScript[i]
	}
	d.mu.Unlock()

	for _, p := range step.pages {
		onPage(p)
	}
	if step.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return step.err
}

func (d *scriptDriver) calls() (connect, scan int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCalls, d.scanCalls
}

func testPages(n int) []Page {
	pages := make([]Page, n)
	for i := range pages {
		pages[i] = Page{Index: i, Data: []byte(fmt.Sprintf("jpeg-%d", i)), BitDepth: 24}
	}
	return pages
}

func connectedSession(t *testing.T, d *scriptDriver) *Session {
	t.Helper()
	s := NewSession(d, TestConfig())
	if err := s.Connect(context.Background(), Handle{ID: "dev-1", Model: "ScriptScan"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return s
}

func TestDiscoverDeduplicatesAndReflectsRemovals(t *testing.T) {
	d := newScriptDriver()
	a := Handle{ID: "dev-a", Model: "A"}
	b := Handle{ID: "dev-b", Model: "B"}
	d.events = []DiscoveryEvent{
		{Handle: a},
		{Handle: a}, // duplicate announcement
		{Handle: b},
		{Handle: a, Removed: true},
	}

	s := NewSession(d, TestConfig())
	var seen int
	found, err := s.Discover(context.Background(), func(DiscoveryEvent) { seen++ })
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if seen != 4 {
		t.Errorf("incremental callback fired %d times, want 4", seen)
	}
	if len(found) != 1 || found[0].ID != "dev-b" {
		t.Errorf("device list = %v, want [dev-b]", found)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state after discovery = %s, want disconnected", s.State())
	}
}

func TestConnectThirdAttemptSucceeds(t *testing.T) {
	d := newScriptDriver()
	d.connectErrs = []error{errors.New("no ack"), errors.New("no ack"), nil}

	s := NewSession(d, TestConfig())
	if err := s.Connect(context.Background(), Handle{ID: "dev-1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
	if connects, _ := d.calls(); connects != 3 {
		t.Errorf("connect primitive invoked %d times, want exactly 3", connects)
	}
}

func TestConnectExhaustedAttemptsReleasesHandle(t *testing.T) {
	d := newScriptDriver()
	d.connectErrs = []error{errors.New("down"), errors.New("down"), errors.New("down")}

	s := NewSession(d, TestConfig())
	err := s.Connect(context.Background(), Handle{ID: "dev-1"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("err = %v, want ConnectionFailed", err)
	}
	if s.State() != StateError {
		t.Errorf("state = %s, want error", s.State())
	}
	if s.ErrorCause() == "" {
		t.Error("error state has no cause")
	}
	if connects, _ := d.calls(); connects != 3 {
		t.Errorf("connect primitive invoked %d times, want exactly 3", connects)
	}
}

func TestScanTimeoutStaysConnected(t *testing.T) {
	d := newScriptDriver()
	d.scanScript = []scriptStep{{hang: true}}

	s := connectedSession(t, d)
	_, err := s.Scan(context.Background(), DefaultPreset())
	if !errors.Is(err, ErrScanTimeout) {
		t.Fatalf("err = %v, want ScanTimeout", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state after timeout = %s, want connected (not stuck in scanning)", s.State())
	}
}

func TestScanBufferOverflowClearsBuffer(t *testing.T) {
	d := newScriptDriver()
	cfg := TestConfig()
	cfg.MaxBufferedPages = 5
	d.scanScript = []scriptStep{
		{pages: testPages(6), hang: true}, // one page over the bound
		{pages: testPages(2)},
	}

	s := NewSession(d, cfg)
	if err := s.Connect(context.Background(), Handle{ID: "dev-1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := s.Scan(context.Background(), DefaultPreset())
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("err = %v, want BufferOverflow", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}

	// The next request starts from an empty buffer.
	res, err := s.Scan(context.Background(), DefaultPreset())
	if err != nil {
		t.Fatalf("follow-up scan failed: %v", err)
	}
	if len(res.Pages) != 2 {
		t.Errorf("follow-up scan returned %d pages, want 2", len(res.Pages))
	}
}

func TestScanFlatbedResolvesOnSinglePage(t *testing.T) {
	d := newScriptDriver()
	// The driver delivers one page and never signals completion; a
	// flatbed scan must resolve anyway.
	d.scanScript = []scriptStep{{pages: testPages(1), hang: true}}

	s := connectedSession(t, d)
	p := DefaultPreset()
	p.Source = SourceFlatbed
	res, err := s.Scan(context.Background(), p)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(res.Pages) != 1 {
		t.Errorf("pages = %d, want 1", len(res.Pages))
	}
	if res.Source != SourceFlatbed {
		t.Errorf("result source = %s, want flatbed", res.Source)
	}
}

func TestScanFeederWaitsForCompletion(t *testing.T) {
	d := newScriptDriver()
	d.scanScript = []scriptStep{{pages: testPages(4)}}

	s := connectedSession(t, d)
	res, err := s.Scan(context.Background(), DefaultPreset())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(res.Pages) != 4 {
		t.Fatalf("pages = %d, want 4", len(res.Pages))
	}
	for i, p := range res.Pages {
		if p.Index != i {
			t.Errorf("page %d out of order (index %d)", i, p.Index)
		}
	}
}

func TestScanRetriesTransientFailureOnce(t *testing.T) {
	d := newScriptDriver()
	d.scanScript = []scriptStep{
		{err: &Failure{Kind: KindScanFailed, Msg: "feeder jam cleared itself", Transient: true}},
		{pages: testPages(2)},
	}

	s := connectedSession(t, d)
	res, err := s.Scan(context.Background(), DefaultPreset())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(res.Pages) != 2 {
		t.Errorf("pages = %d, want 2", len(res.Pages))
	}
	if _, scans := d.calls(); scans != 2 {
		t.Errorf("scan primitive invoked %d times, want 2 (one retry)", scans)
	}
}

func TestScanNotConnected(t *testing.T) {
	s := NewSession(newScriptDriver(), TestConfig())
	_, err := s.Scan(context.Background(), DefaultPreset())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want NotConnected", err)
	}
}

func TestScanCancelReturnsToConnected(t *testing.T) {
	d := newScriptDriver()
	d.scanScript = []scriptStep{{hang: true}}

	s := connectedSession(t, d)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Cancel()
	}()
	_, err := s.Scan(context.Background(), DefaultPreset())
	if !errors.Is(err, ErrScanCancelled) {
		t.Fatalf("err = %v, want ScanCancelled", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestScanUnsupportedColorModeNamed(t *testing.T) {
	d := newScriptDriver()
	s := connectedSession(t, d)

	p := DefaultPreset()
	p.ColorMode = ColorBW // script driver supports color and grayscale only
	_, err := s.Scan(context.Background(), p)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want UnsupportedCapability", err)
	}
	if want := `color mode "bw"`; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not name the unsupported capability %q", err, want)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestScanSourceFallback(t *testing.T) {
	d := newScriptDriver()
	d.caps.Flatbed = false
	d.scanScript = []scriptStep{{pages: testPages(1)}}

	s := connectedSession(t, d)
	p := DefaultPreset()
	p.Source = SourceFlatbed
	res, err := s.Scan(context.Background(), p)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if res.Source != SourceFeeder {
		t.Errorf("result source = %s, want feeder fallback", res.Source)
	}
}

func TestScanNoFunctionalUnit(t *testing.T) {
	d := newScriptDriver()
	d.caps.Flatbed = false
	d.caps.Feeder = false

	s := connectedSession(t, d)
	_, err := s.Scan(context.Background(), DefaultPreset())
	if !errors.Is(err, ErrNoFunctionalUnit) {
		t.Errorf("err = %v, want NoFunctionalUnit", err)
	}
}

func TestScanClampsResolutionAndReportsActual(t *testing.T) {
	d := newScriptDriver()
	d.scanScript = []scriptStep{{pages: testPages(1)}}

	s := connectedSession(t, d)
	p := DefaultPreset()
	p.Resolution = 280 // closest supported is 300
	res, err := s.Scan(context.Background(), p)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if res.Resolution != 300 {
		t.Errorf("result resolution = %d, want clamped 300", res.Resolution)
	}
	if res.DeviceModel != "ScriptScan" {
		t.Errorf("result model = %q, want ScriptScan", res.DeviceModel)
	}
}

func TestScanReconnectsWhenDriverSessionClosed(t *testing.T) {
	d := newScriptDriver()
	d.scanScript = []scriptStep{{pages: testPages(1)}}

	s := connectedSession(t, d)
	// Driver drops its session behind the session's back.
	d.mu.Lock()
	d.alive = false
	d.mu.Unlock()

	if _, err := s.Scan(context.Background(), DefaultPreset()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if connects, _ := d.calls(); connects != 2 {
		t.Errorf("connect primitive invoked %d times, want 2 (initial + reconnect)", connects)
	}
}

func TestNotifyRemovalDisconnectsSelected(t *testing.T) {
	d := newScriptDriver()
	s := connectedSession(t, d)

	s.NotifyRemoval(Handle{ID: "dev-1"})
	if s.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected after removal", s.State())
	}
}

