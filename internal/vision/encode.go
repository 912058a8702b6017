package vision

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// encodeConfig is one rung of the re-encode ladder. Later rungs are lossier;
// truncated responses step down the ladder.
type encodeConfig struct {
	MaxDim  int
	Quality int
}

var encodeLadder = []encodeConfig{
	{MaxDim: 2000, Quality: 78},
	{MaxDim: 1400, Quality: 65},
}

const (
	maxEncodedBytes = 2 << 20 // 2 MiB hard cap per request payload
	minQuality      = 55
	minDimension    = 700
	downscaleFactor = 0.88
)

// encodedImage is a JPEG payload ready to send, with its content hash.
type encodedImage struct {
	Data   []byte
	Hash   string
	Width  int
	Height int
}

// loadImage decodes a PNG or JPEG from disk.
func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// encodeForUpload converts an image to a grayscale JPEG under the size cap,
// starting from the config's max dimension and quality and degrading
// (quality first, then scale) until it fits.
func encodeForUpload(img image.Image, cfg encodeConfig) (*encodedImage, error) {
	gray := grayscale(img)
	gray = fitMaxDim(gray, cfg.MaxDim)

	quality := cfg.Quality
	for {
		data, err := encodeJPEG(gray, quality)
		if err != nil {
			return nil, err
		}
		if len(data) <= maxEncodedBytes {
			return newEncodedImage(data, gray), nil
		}
		if quality-5 >= minQuality {
			quality -= 5
			continue
		}
		b := gray.Bounds()
		if b.Dx() <= minDimension || b.Dy() <= minDimension {
			// Give up shrinking; send what we have.
			return newEncodedImage(data, gray), nil
		}
		gray = scaleGray(gray, downscaleFactor)
	}
}

func newEncodedImage(data []byte, img *image.Gray) *encodedImage {
	sum := sha256.Sum256(data)
	b := img.Bounds()
	return &encodedImage{
		Data:   data,
		Hash:   hex.EncodeToString(sum[:]),
		Width:  b.Dx(),
		Height: b.Dy(),
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func grayscale(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return dst
}

func fitMaxDim(img *image.Gray, maxDim int) *image.Gray {
	b := img.Bounds()
	longest := b.Dx()
	if b.Dy() > longest {
		longest = b.Dy()
	}
	if longest <= maxDim {
		return img
	}
	return scaleGray(img, float64(maxDim)/float64(longest))
}

func scaleGray(src *image.Gray, factor float64) *image.Gray {
	b := src.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// splitHalves cuts an image into top and bottom halves at height/2.
func splitHalves(img image.Image) (top, bottom *image.Gray, topHeight int) {
	gray := grayscale(img)
	b := gray.Bounds()
	half := b.Dy() / 2

	top = image.NewGray(image.Rect(0, 0, b.Dx(), half))
	draw.Draw(top, top.Bounds(), gray, b.Min, draw.Src)

	bottom = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()-half))
	draw.Draw(bottom, bottom.Bounds(), gray, image.Pt(b.Min.X, b.Min.Y+half), draw.Src)

	return top, bottom, half
}
