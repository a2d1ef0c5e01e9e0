package scanjob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mzyy94/scanrelay/internal/device"
	"github.com/mzyy94/scanrelay/internal/store"
	"github.com/mzyy94/scanrelay/internal/wire"
)

// fakeProcessor classifies pages by a sentinel prefix, no OCR engine needed.
type fakeProcessor struct{}

func (fakeProcessor) RecognizeText(page []byte) (string, error) {
	return "recognized text", nil
}

func (fakeProcessor) IsBlankPage(page []byte, threshold float64) (bool, error) {
	return bytes.HasPrefix(page, []byte("BLANK")), nil
}

// scriptedStep is one scripted outcome of the executor seam.
type scriptedStep struct {
	pages []device.Page
	err   error
}

type scriptedDriver struct {
	mu    sync.Mutex
	steps []scriptedStep
	calls int
}

func (d *scriptedDriver) Discover(ctx context.Context, event func(device.DiscoveryEvent)) error {
	event(device.DiscoveryEvent{Handle: device.Handle{ID: "dev-1", Model: "ScriptScan"}})
	<-ctx.Done()
	return nil
}

func (d *scriptedDriver) Connect(ctx context.Context, h device.Handle) (device.Capabilities, error) {
	return device.Capabilities{
		Model:       "ScriptScan",
		Resolutions: []int{150, 300},
		ColorModes:  []device.ColorMode{device.ColorColor, device.ColorGray},
		Flatbed:     true,
		Feeder:      true,
		Duplex:      true,
	}, nil
}

func (d *scriptedDriver) Disconnect(h device.Handle) error { return nil }
func (d *scriptedDriver) Alive(h device.Handle) bool       { return true }

func (d *scriptedDriver) Scan(ctx context.Context, h device.Handle, s device.Settings, onPage func(device.Page)) error {
	d.mu.Lock()
	i := d.calls
	d.calls++
	var step scriptedStep
	if i < len(d.steps) {
		step = d.steps[i]
	}
	d.mu.Unlock()

	for _, p := range step.pages {
		onPage(p)
	}
	return step.err
}

func (d *scriptedDriver) scanCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 12, 16))
	for i := range img.Pix {
		img.Pix[i] = 0xF0
	}
	img.Set(4, 4, color.NRGBA{A: 255})
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test JPEG: %v", err)
	}
	return buf.Bytes()
}

func testOrchestrator(t *testing.T, d device.Driver) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	session := device.NewSession(d, device.TestConfig())
	if err := session.Connect(context.Background(), device.Handle{ID: "dev-1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return New(session, st, fakeProcessor{}, nil), st
}

func TestQueueCompletesBothItemsWithOneRetry(t *testing.T) {
	page := device.Page{Index: 0, Data: testJPEG(t), BitDepth: 24}
	d := &scriptedDriver{steps: []scriptedStep{
		{err: &device.Failure{Kind: device.KindScanFailed, Msg: "feeder glitch", Transient: true}},
		{pages: []device.Page{page}},
		{pages: []device.Page{page}},
	}}
	o, _ := testOrchestrator(t, d)

	o.Enqueue(device.DefaultPreset(), 1)
	o.Enqueue(device.DefaultPreset(), 1)
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}

	items := o.Queue()
	if len(items) != 2 {
		t.Fatalf("queue has %d items, want 2", len(items))
	}
	for i, it := range items {
		if !it.Done || it.Err != "" {
			t.Errorf("item %d: done=%t err=%q, want completed cleanly", i, it.Done, it.Err)
		}
	}
	// First item consumed the transient failure plus its retry.
	if calls := d.scanCalls(); calls != 3 {
		t.Errorf("scan primitive invoked %d times, want 3 (retry once, then one per item)", calls)
	}
}

func TestQueueContinuesPastFailedItem(t *testing.T) {
	page := device.Page{Index: 0, Data: testJPEG(t), BitDepth: 24}
	d := &scriptedDriver{steps: []scriptedStep{
		{err: &device.Failure{Kind: device.KindScanFailed, Msg: "lamp failure"}},
		{pages: []device.Page{page}},
	}}
	o, _ := testOrchestrator(t, d)

	o.Enqueue(device.DefaultPreset(), 1)
	o.Enqueue(device.DefaultPreset(), 1)
	if err := o.StartScanning(context.Background()); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}

	items := o.Queue()
	if items[0].Err == "" {
		t.Error("failed item did not record its reason")
	}
	if !items[1].Done || items[1].Err != "" {
		t.Errorf("second item blocked by first failure: %+v", items[1])
	}
}

func TestPerformRemoteScanSingleDocument(t *testing.T) {
	page := device.Page{Index: 0, Data: testJPEG(t), BitDepth: 24}
	d := &scriptedDriver{steps: []scriptedStep{{pages: []device.Page{page}}}}
	o, _ := testOrchestrator(t, d)

	res, err := o.PerformRemoteScan(context.Background(), wire.ScanRequest{
		PresetName:          "Default",
		ForceSingleDocument: true,
	})
	if err != nil {
		t.Fatalf("PerformRemoteScan failed: %v", err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("documents = %d, want 1", len(res.Documents))
	}
	doc := res.Documents[0]
	if doc.PageCount != 1 {
		t.Errorf("pageCount = %d, want 1", doc.PageCount)
	}
	if res.TotalBytes != doc.ByteCount {
		t.Errorf("totalBytes = %d, want %d (single document)", res.TotalBytes, doc.ByteCount)
	}
	if doc.ByteCount == 0 {
		t.Error("document payload is empty")
	}
	if res.ScannedAt.IsZero() {
		t.Error("scannedAt not set")
	}
}

func TestPerformRemoteScanUnknownPreset(t *testing.T) {
	d := &scriptedDriver{}
	o, _ := testOrchestrator(t, d)

	_, err := o.PerformRemoteScan(context.Background(), wire.ScanRequest{PresetName: "NoSuch"})
	if err == nil {
		t.Fatal("unknown preset accepted")
	}
	if d.scanCalls() != 0 {
		t.Error("scan attempted despite unknown preset")
	}
}

func TestPerformRemoteScanBusy(t *testing.T) {
	d := &scriptedDriver{}
	o, _ := testOrchestrator(t, d)

	o.gate.Lock()
	defer o.gate.Unlock()

	_, err := o.PerformRemoteScan(context.Background(), wire.ScanRequest{})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestSeparateSplitsOnBlankPages(t *testing.T) {
	content := func(i int) device.Page {
		return device.Page{Index: i, Data: []byte(fmt.Sprintf("page-%d", i))}
	}
	blank := func(i int) device.Page {
		return device.Page{Index: i, Data: []byte("BLANK")}
	}
	s := &BlankPageSplitter{Processor: fakeProcessor{}}
	cfg := SplitSettings{SplitOnBlankPages: true, BlankThreshold: 0.98, DropBlankPages: true}

	groups := s.Separate([]device.Page{content(0), content(1), blank(2), content(3)}, cfg)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Errorf("group sizes = %d,%d, want 2,1", len(groups[0]), len(groups[1]))
	}

	// Splitting disabled keeps a single document.
	groups = s.Separate([]device.Page{content(0), blank(1)}, SplitSettings{})
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Errorf("splitting disabled produced %d groups", len(groups))
	}

	// Blank pages kept when not dropping.
	cfg.DropBlankPages = false
	groups = s.Separate([]device.Page{content(0), blank(1), content(2)}, cfg)
	if len(groups) != 2 || len(groups[0]) != 2 {
		t.Errorf("kept-blank split = %v group sizes", len(groups))
	}
}

func TestBuildPDFProducesDocument(t *testing.T) {
	pages := []device.Page{
		{Index: 0, Data: testJPEG(t), BitDepth: 24},
		{Index: 1, Data: testJPEG(t), BitDepth: 24},
	}
	data, err := BuildPDF(pages, 300, []string{"hello world", ""})
	if err != nil {
		t.Fatalf("BuildPDF failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Error("output does not start with %PDF header")
	}

	if _, err := BuildPDF(nil, 300, nil); err == nil {
		t.Error("BuildPDF accepted zero pages")
	}
}
