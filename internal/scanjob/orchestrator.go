package scanjob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mzyy94/scanrelay/internal/device"
	"github.com/mzyy94/scanrelay/internal/store"
	"github.com/mzyy94/scanrelay/internal/wire"
)

// ErrBusy is returned when a scan request arrives while another scan
// holds the device. The device cannot scan two jobs at once, so
// concurrent requests are rejected immediately rather than queued.
var ErrBusy = errors.New("another scan is already in flight")

// QueueItem is one pending entry of the local scan queue.
type QueueItem struct {
	ID     uuid.UUID
	Preset device.Preset
	Count  int
	Done   bool
	Err    string // per-item failure reason; empty on success
	Pages  int
}

// Orchestrator is the single entry point tying the scan queue, the
// device session, and the remote transport together. It owns the
// exclusive-device gate: one scan at a time, remote or local.
type Orchestrator struct {
	session   *device.Session
	store     *store.Store
	processor ImageProcessor
	splitter  DocumentSplitter
	status    Status

	gate sync.Mutex // exclusive device ownership; TryLock failure = busy

	mu    sync.Mutex
	queue []*QueueItem
}

// New creates an Orchestrator. A nil splitter defaults to blank-page
// boundary splitting backed by the given processor.
func New(session *device.Session, st *store.Store, processor ImageProcessor, splitter DocumentSplitter) *Orchestrator {
	if splitter == nil {
		splitter = &BlankPageSplitter{Processor: processor}
	}
	return &Orchestrator{
		session:   session,
		store:     st,
		processor: processor,
		splitter:  splitter,
	}
}

// Status returns a snapshot of the latest job status.
func (o *Orchestrator) Status() Status {
	return o.status.Snapshot()
}

// Enqueue adds count scans of the given preset to the local queue and
// returns the queue item ID.
func (o *Orchestrator) Enqueue(preset device.Preset, count int) uuid.UUID {
	if count < 1 {
		count = 1
	}
	item := &QueueItem{ID: uuid.New(), Preset: preset, Count: count}
	o.mu.Lock()
	o.queue = append(o.queue, item)
	o.mu.Unlock()
	slog.Info("scan enqueued", "id", item.ID, "preset", preset.Name, "count", count)
	return item.ID
}

// Queue returns a snapshot of all queue items, including completed ones.
func (o *Orchestrator) Queue() []QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := make([]QueueItem, len(o.queue))
	for i, it := range o.queue {
		items[i] = *it
	}
	return items
}

// StartScanning processes every pending queue item in order. A failed
// item records its reason and does not block the rest of the batch.
func (o *Orchestrator) StartScanning(ctx context.Context) error {
	for {
		item := o.nextPending()
		if item == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var pages int
		var firstErr error
		for n := 0; n < item.Count; n++ {
			res, err := o.runScan(ctx, item.Preset)
			if err != nil {
				firstErr = err
				break
			}
			pages += len(res.Pages)
			if err := o.persistResult(res); err != nil {
				firstErr = err
				break
			}
		}

		o.mu.Lock()
		item.Done = true
		item.Pages = pages
		if firstErr != nil {
			item.Err = firstErr.Error()
		}
		o.mu.Unlock()
		if firstErr != nil {
			slog.Warn("queue item failed", "id", item.ID, "err", firstErr)
		} else {
			slog.Info("queue item completed", "id", item.ID, "pages", pages)
		}
	}
}

func (o *Orchestrator) nextPending() *QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.queue {
		if !it.Done {
			return it
		}
	}
	return nil
}

// runScan executes one scan under the exclusive-device gate. Local
// queue processing waits its turn; remote requests use TryLock and get
// the busy rejection instead.
func (o *Orchestrator) runScan(ctx context.Context, preset device.Preset) (*device.Result, error) {
	o.gate.Lock()
	defer o.gate.Unlock()

	o.status.SetScanning(true)
	res, err := o.session.Scan(ctx, preset)
	if err != nil {
		o.status.SetResult(err, 0, 0)
		return nil, err
	}
	return res, nil
}

// ScanExclusive executes one scan under the exclusive-device gate and
// returns the raw pages. Like remote requests it rejects immediately
// with ErrBusy when another scan holds the device.
func (o *Orchestrator) ScanExclusive(ctx context.Context, preset device.Preset) (*device.Result, error) {
	if !o.gate.TryLock() {
		return nil, ErrBusy
	}
	defer o.gate.Unlock()

	o.status.SetScanning(true)
	res, err := o.session.Scan(ctx, preset)
	if err != nil {
		o.status.SetResult(err, 0, 0)
		return nil, err
	}
	o.status.SetResult(nil, len(res.Pages), 0)
	return res, nil
}

// persistResult splits the scan into documents and writes them to the
// configured save path. Without a save path the result is only counted.
func (o *Orchestrator) persistResult(res *device.Result) error {
	settings, err := o.store.Settings()
	if err != nil {
		return err
	}
	groups := o.splitter.Separate(res.Pages, SplitSettings{
		SplitOnBlankPages: settings.SplitOnBlankPages,
		BlankThreshold:    settings.BlankThreshold,
		DropBlankPages:    settings.DropBlankPages,
	})
	if settings.SavePath == "" {
		o.status.SetResult(nil, len(res.Pages), len(groups))
		return nil
	}

	if err := os.MkdirAll(settings.SavePath, 0755); err != nil {
		o.status.SetResult(err, len(res.Pages), 0)
		return fmt.Errorf("create save directory: %w", err)
	}
	stamp := time.Now().Format("20060102_150405")
	for i, group := range groups {
		data, err := BuildPDF(group, res.Resolution, nil)
		if err != nil {
			o.status.SetResult(err, len(res.Pages), i)
			return fmt.Errorf("build document %d: %w", i+1, err)
		}
		path := filepath.Join(settings.SavePath, fmt.Sprintf("scan_%s_%03d.pdf", stamp, i+1))
		if err := os.WriteFile(path, data, 0644); err != nil {
			o.status.SetResult(err, len(res.Pages), i)
			return fmt.Errorf("write document %d: %w", i+1, err)
		}
		slog.Info("document saved", "path", path, "pages", len(group))
	}
	o.status.SetResult(nil, len(res.Pages), len(groups))
	return nil
}

// PerformRemoteScan serves one remote scan request: resolve the preset,
// execute the scan, split the pages into documents, and encode each as
// a PDF. Returns ErrBusy immediately when another scan is in flight.
func (o *Orchestrator) PerformRemoteScan(ctx context.Context, req wire.ScanRequest) (*wire.ScanResult, error) {
	if !o.gate.TryLock() {
		return nil, ErrBusy
	}
	defer o.gate.Unlock()

	settings, err := o.store.Settings()
	if err != nil {
		return nil, err
	}
	name := req.PresetName
	if name == "" {
		name = settings.DefaultPreset
	}
	preset, err := o.store.Preset(name)
	if err != nil {
		return nil, err
	}

	o.status.SetScanning(true)
	res, err := o.session.Scan(ctx, preset)
	if err != nil {
		o.status.SetResult(err, 0, 0)
		return nil, err
	}

	var groups [][]device.Page
	if req.ForceSingleDocument {
		groups = [][]device.Page{res.Pages}
	} else {
		groups = o.splitter.Separate(res.Pages, SplitSettings{
			SplitOnBlankPages: settings.SplitOnBlankPages,
			BlankThreshold:    settings.BlankThreshold,
			DropBlankPages:    settings.DropBlankPages,
		})
	}
	if len(groups) == 0 {
		// Every page classified blank; deliver them as one document
		// rather than an empty result.
		groups = [][]device.Page{res.Pages}
	}

	stamp := res.ScannedAt.Format("20060102_150405")
	out := &wire.ScanResult{ScannedAt: res.ScannedAt}
	for i, group := range groups {
		var texts []string
		if req.SearchablePDF {
			texts = o.recognizeGroup(group)
		}
		data, err := BuildPDF(group, res.Resolution, texts)
		if err != nil {
			o.status.SetResult(err, len(res.Pages), i)
			return nil, fmt.Errorf("build document %d: %w", i+1, err)
		}
		out.Documents = append(out.Documents, wire.Document{
			Filename:      fmt.Sprintf("scan_%s_%03d.pdf", stamp, i+1),
			PDFDataBase64: base64.StdEncoding.EncodeToString(data),
			PageCount:     len(group),
			ByteCount:     len(data),
		})
		out.TotalBytes += len(data)
	}

	o.status.SetResult(nil, len(res.Pages), len(out.Documents))
	slog.Info("remote scan served", "documents", len(out.Documents), "totalBytes", out.TotalBytes)
	return out, nil
}

// recognizeGroup runs OCR over each page of a document group. A page
// that fails OCR contributes no text rather than failing the document.
func (o *Orchestrator) recognizeGroup(group []device.Page) []string {
	texts := make([]string, len(group))
	for i, p := range group {
		text, err := o.processor.RecognizeText(p.Data)
		if err != nil {
			slog.Warn("OCR failed for page", "page", p.Index, "err", err)
			continue
		}
		texts[i] = text
	}
	return texts
}

// SaveResult writes the documents of a remote scan result to dir,
// decoding each payload. Used by the client side after a remote scan.
func SaveResult(dir string, res *wire.ScanResult) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, doc := range res.Documents {
		data, err := base64.StdEncoding.DecodeString(doc.PDFDataBase64)
		if err != nil {
			return fmt.Errorf("decode %s: %w", doc.Filename, err)
		}
		path := filepath.Join(dir, doc.Filename)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", doc.Filename, err)
		}
		slog.Info("document saved", "path", path, "pages", doc.PageCount, "bytes", doc.ByteCount)
	}
	return nil
}
