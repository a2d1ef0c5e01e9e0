package scanjob

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	"codeberg.org/go-pdf/fpdf"
	"golang.org/x/image/tiff"

	"github.com/mzyy94/scanrelay/internal/device"
)

// BuildPDF combines scanned pages into a single PDF in memory.
// 1-bit pages arrive as TIFF and are converted to paletted PNG before
// embedding. texts, when non-nil, carries per-page recognized text that
// is laid under the page image invisibly to make the PDF searchable.
func BuildPDF(pages []device.Page, dpi int, texts []string) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to write")
	}
	if dpi <= 0 {
		dpi = 300
	}

	pdf := fpdf.New("P", "mm", "", "")
	pdf.SetAutoPageBreak(false, 0)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	for i, p := range pages {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(p.Data))
		if err != nil && p.BitDepth == 1 {
			if img, terr := tiff.Decode(bytes.NewReader(p.Data)); terr == nil {
				cfg = image.Config{Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}
				err = nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("decode page %d image config: %w", i+1, err)
		}

		pageDPI := dpi
		if d := detectJPEGDPI(p.Data); d > 0 {
			pageDPI = d
		}
		widthMM := float64(cfg.Width) / float64(pageDPI) * 25.4
		heightMM := float64(cfg.Height) / float64(pageDPI) * 25.4

		pdf.AddPageFormat("P", fpdf.SizeType{Wd: widthMM, Ht: heightMM})

		if texts != nil && i < len(texts) && texts[i] != "" {
			pdf.SetFont("Helvetica", "", 8)
			pdf.SetAlpha(0, "Normal")
			pdf.SetXY(2, 2)
			pdf.MultiCell(widthMM-4, 4, tr(texts[i]), "", "L", false)
			pdf.SetAlpha(1, "Normal")
		}

		name := fmt.Sprintf("page%d", i)
		if p.BitDepth == 1 {
			img, err := tiff.Decode(bytes.NewReader(p.Data))
			if err != nil {
				return nil, fmt.Errorf("decode page %d TIFF: %w", i+1, err)
			}
			var buf bytes.Buffer
			if err := png.Encode(&buf, toBitonal(img)); err != nil {
				return nil, fmt.Errorf("encode page %d PNG: %w", i+1, err)
			}
			pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "PNG"}, &buf)
		} else {
			pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "JPEG"}, bytes.NewReader(p.Data))
		}
		pdf.ImageOptions(name, 0, 0, widthMM, heightMM, false, fpdf.ImageOptions{}, 0, "")
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("generate PDF: %w", err)
	}
	return out.Bytes(), nil
}

// detectJPEGDPI extracts the JFIF APP0 pixel density from JPEG data.
// Returns 0 if the density cannot be determined.
func detectJPEGDPI(data []byte) int {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0
	}
	i := 2
	for i+4 < len(data) {
		if data[i] != 0xFF {
			break
		}
		marker := data[i+1]
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if marker == 0xE0 && segLen >= 14 {
			seg := data[i+4:]
			if len(seg) >= 10 && string(seg[0:5]) == "JFIF\x00" {
				units := seg[7]
				xd := int(binary.BigEndian.Uint16(seg[8:10]))
				if units == 1 { // dots per inch
					return xd
				}
				if units == 2 { // dots per cm
					return int(float64(xd) * 2.54)
				}
			}
		}
		i += 2 + segLen
	}
	return 0
}

// toBitonal converts an image to a 1-bit paletted image.
func toBitonal(img image.Image) *image.Paletted {
	bounds := img.Bounds()
	dst := image.NewPaletted(bounds, color.Palette{color.White, color.Black})

	if gray, ok := img.(*image.Gray); ok {
		w := bounds.Dx()
		h := bounds.Dy()
		for y := 0; y < h; y++ {
			srcRow := gray.Pix[y*gray.Stride : y*gray.Stride+w]
			dstRow := dst.Pix[y*dst.Stride : y*dst.Stride+w]
			for x, v := range srcRow {
				if v < 128 {
					dstRow[x] = 1
				}
			}
		}
		return dst
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r < 0x8000 {
				dst.SetColorIndex(x, y, 1)
			}
		}
	}
	return dst
}
