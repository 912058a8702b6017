package render

import (
	"fmt"
	"image"
	"image/color"
)

// CleanImage prepares a rendered page for extraction: grayscale conversion
// followed by linear contrast stretching, so faint scans and tinted
// backgrounds don't starve the downstream models of signal.
func CleanImage(srcPath, dstPath string) error {
	img, err := loadPNG(srcPath)
	if err != nil {
		return err
	}
	gray := toGray(img)
	stretchContrast(gray)
	if err := savePNG(dstPath, gray); err != nil {
		return fmt.Errorf("save cleaned image: %w", err)
	}
	return nil
}

func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return dst
}

// stretchContrast remaps pixel intensities so the darkest becomes 0 and the
// brightest 255. A flat image (single intensity) is left untouched.
func stretchContrast(img *image.Gray) {
	lo, hi := uint8(255), uint8(0)
	for _, p := range img.Pix {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if hi <= lo {
		return
	}
	span := int(hi) - int(lo)
	for i, p := range img.Pix {
		img.Pix[i] = uint8((int(p) - int(lo)) * 255 / span)
	}
}
