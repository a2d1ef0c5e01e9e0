package device

import "sync"

type scanOutcome struct {
	pages []Page
	err   error
}

// operation is the single-slot waiting continuation for one in-flight
// scan. Pages arrive asynchronously from the driver and accumulate in
// an ordered buffer bounded by max; exceeding the bound fails the scan
// and clears the buffer. A single-page (flatbed) operation resolves on
// its one page without waiting for a completion signal; a feeder
// operation resolves when the driver signals completion. Whichever
// path fires first wins; the slot resolves exactly once.
type operation struct {
	mu       sync.Mutex
	pages    []Page
	max      int
	single   bool
	resolved bool
	done     chan scanOutcome
}

func newOperation(max int, single bool) *operation {
	return &operation{max: max, single: single, done: make(chan scanOutcome, 1)}
}

// page buffers one delivered page, resolving the operation on buffer
// overflow or, for single-page sources, on first delivery.
func (o *operation) page(p Page) {
	o.mu.Lock()
	if o.resolved {
		o.mu.Unlock()
		return
	}
	if len(o.pages) >= o.max {
		o.pages = nil
		o.resolved = true
		max := o.max
		o.mu.Unlock()
		o.done <- scanOutcome{err: failf(KindBufferOverflow, "page buffer limit %d exceeded", max)}
		return
	}
	o.pages = append(o.pages, p)
	pages := o.pages
	resolve := o.single
	if resolve {
		o.resolved = true
	}
	o.mu.Unlock()
	if resolve {
		o.done <- scanOutcome{pages: pages}
	}
}

// finish resolves the operation with the driver's completion signal.
// A no-op if a page callback already resolved it.
func (o *operation) finish(err error) {
	o.mu.Lock()
	if o.resolved {
		o.mu.Unlock()
		return
	}
	o.resolved = true
	pages := o.pages
	o.mu.Unlock()
	o.done <- scanOutcome{pages: pages, err: err}
}
