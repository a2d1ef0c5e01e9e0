package scanjob

import "github.com/mzyy94/scanrelay/internal/device"

// ImageProcessor provides the page-level image operations the
// orchestration layer delegates out: OCR and blank-page detection.
type ImageProcessor interface {
	// RecognizeText extracts the text of one encoded page image.
	RecognizeText(page []byte) (string, error)

	// IsBlankPage reports whether the page is blank. threshold is the
	// fraction of near-white pixels (0..1) above which a page counts
	// as blank.
	IsBlankPage(page []byte, threshold float64) (bool, error)
}

// SplitSettings are the boundary rules for grouping pages into documents.
type SplitSettings struct {
	SplitOnBlankPages bool
	BlankThreshold    float64
	DropBlankPages    bool
}

// DocumentSplitter groups scanned pages into documents.
type DocumentSplitter interface {
	Separate(pages []device.Page, s SplitSettings) [][]device.Page
}
