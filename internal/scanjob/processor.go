package scanjob

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// Processor is the default ImageProcessor: Tesseract for OCR and a
// luminance histogram for blank-page detection.
type Processor struct {
	Languages []string // OCR languages, default tesseract's "eng"
}

// RecognizeText runs OCR over one page image.
func (p *Processor) RecognizeText(page []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(page); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if len(p.Languages) > 0 {
		if err := client.SetLanguage(p.Languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// IsBlankPage decodes the page and measures the fraction of near-white
// pixels against threshold.
func (p *Processor) IsBlankPage(page []byte, threshold float64) (bool, error) {
	img, err := imaging.Decode(bytes.NewReader(page))
	if err != nil {
		return false, fmt.Errorf("decode page: %w", err)
	}
	hist := imaging.Histogram(imaging.Grayscale(img))

	var bright float64
	for i := 230; i < len(hist); i++ {
		bright += hist[i]
	}
	return bright >= threshold, nil
}
