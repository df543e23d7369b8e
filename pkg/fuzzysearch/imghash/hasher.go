// Package imghash computes 64-bit perceptual hashes locally so images can be
// searched with LookupHashes instead of being uploaded.
//
// Importing this package pulls in the image decoders; binaries that only
// search by hash or upload do not need it.
package imghash

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/example/fuzzysearch/pkg/fuzzysearch"
)

const (
	// HashSize is the edge of the bit grid: 8x8 = 64 bits.
	HashSize = 8

	// The gradient compares horizontal neighbours, so it needs one extra
	// column. The DCT runs on twice that area and keeps the low frequencies.
	gridWidth    = HashSize + 1
	gridHeight   = HashSize
	sampleWidth  = gridWidth * 2
	sampleHeight = gridHeight * 2
)

// MaxPixels bounds width*height of images HashBytes will decode. The header
// is checked first so oversized images are rejected before any pixel buffer
// is allocated.
const MaxPixels = 64 << 20

// HashBytes decodes an image (PNG, JPEG, GIF, WebP, BMP or TIFF) and returns
// its perceptual hash. Undecodable input yields a *fuzzysearch.DecodeError.
func HashBytes(data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, &fuzzysearch.DecodeError{Operation: "HashBytes", Err: errors.New("empty image")}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, &fuzzysearch.DecodeError{Operation: "HashBytes", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, &fuzzysearch.DecodeError{Operation: "HashBytes", Err: fmt.Errorf("%s image has no pixels", format)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return 0, &fuzzysearch.DecodeError{
			Operation: "HashBytes",
			Err:       fmt.Errorf("%s image is %dx%d, more than %d pixels", format, cfg.Width, cfg.Height, MaxPixels),
		}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, &fuzzysearch.DecodeError{Operation: "HashBytes", Err: err}
	}
	if img.Bounds().Empty() {
		return 0, &fuzzysearch.DecodeError{Operation: "HashBytes", Err: fmt.Errorf("%s image has no pixels", format)}
	}
	return HashImage(img), nil
}

// HashImage hashes an already decoded image.
func HashImage(img image.Image) int64 {
	gray := image.NewGray(image.Rect(0, 0, sampleWidth, sampleHeight))
	draw.CatmullRom.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	coeffs := dct2D(gray)

	var hash uint64
	for y := 0; y < gridHeight; y++ {
		row := coeffs[y]
		for x := 0; x < gridWidth-1; x++ {
			hash <<= 1
			if row[x] < row[x+1] {
				hash |= 1
			}
		}
	}
	return int64(hash)
}

// Distance is the number of differing bits between two hashes.
func Distance(a, b int64) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// dct2D transforms the sample grid row by row and then column by column.
func dct2D(gray *image.Gray) [][]float64 {
	rowDCT := fourier.NewDCT(sampleWidth)
	colDCT := fourier.NewDCT(sampleHeight)

	rows := make([][]float64, sampleHeight)
	src := make([]float64, sampleWidth)
	for y := 0; y < sampleHeight; y++ {
		for x := 0; x < sampleWidth; x++ {
			src[x] = float64(gray.GrayAt(x, y).Y)
		}
		rows[y] = rowDCT.Transform(make([]float64, sampleWidth), src)
	}

	col := make([]float64, sampleHeight)
	out := make([]float64, sampleHeight)
	for x := 0; x < sampleWidth; x++ {
		for y := 0; y < sampleHeight; y++ {
			col[y] = rows[y][x]
		}
		colDCT.Transform(out, col)
		for y := 0; y < sampleHeight; y++ {
			rows[y][x] = out[y]
		}
	}
	return rows
}
