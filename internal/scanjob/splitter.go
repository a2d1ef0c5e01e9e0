package scanjob

import (
	"log/slog"

	"github.com/mzyy94/scanrelay/internal/device"
)

// BlankPageSplitter groups pages into documents using blank pages as
// boundaries. A page the processor cannot classify is treated as
// content rather than failing the whole batch.
type BlankPageSplitter struct {
	Processor ImageProcessor
}

func (b *BlankPageSplitter) Separate(pages []device.Page, s SplitSettings) [][]device.Page {
	if len(pages) == 0 {
		return nil
	}
	if !s.SplitOnBlankPages {
		return [][]device.Page{pages}
	}

	var groups [][]device.Page
	var current []device.Page
	for _, p := range pages {
		blank, err := b.Processor.IsBlankPage(p.Data, s.BlankThreshold)
		if err != nil {
			slog.Warn("blank page check failed, keeping page", "page", p.Index, "err", err)
			blank = false
		}
		if !blank {
			current = append(current, p)
			continue
		}
		if !s.DropBlankPages {
			current = append(current, p)
		}
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
