package ocr

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// minCropHeight is the height small field crops are upscaled to before OCR.
const minCropHeight = 64

// prepare turns a field crop into a dark-on-light binary image sized for
// tesseract. Display crops are often light digits on a dark panel, so
// those are inverted first.
func prepare(crop image.Image) *image.NRGBA {
	gray := imaging.Grayscale(crop)
	if meanLuma(gray) < 128 {
		gray = imaging.Invert(gray)
	}
	gray = imaging.AdjustContrast(gray, 20)
	if gray.Bounds().Dy() < minCropHeight {
		gray = imaging.Resize(gray, 0, minCropHeight, imaging.Lanczos)
	}
	return pad(adaptiveThreshold(gray, 15, 7), 8)
}

// pad surrounds img with a white border.
func pad(img image.Image, n int) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(b.Dx()+2*n, b.Dy()+2*n, color.NRGBA{255, 255, 255, 255})
	return imaging.Paste(canvas, img, image.Pt(n, n))
}

func meanLuma(img image.Image) int {
	b := img.Bounds()
	if b.Empty() {
		return 255
	}
	var sum int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += luma(img.At(x, y))
		}
	}
	return sum / (b.Dx() * b.Dy())
}

func luma(c color.Color) int {
	r, g, b, _ := c.RGBA()
	return int((r + g + b) / 3 >> 8)
}

// binarize performs a global threshold.
func binarize(img image.Image, threshold uint8) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v uint8 = 255
			if luma(img.At(x, y)) <= int(threshold) {
				v = 0
			}
			out.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return out
}

// adaptiveThreshold thresholds each pixel against the mean of its window,
// using an integral image. Uniform crops fall back to a global threshold.
func adaptiveThreshold(img image.Image, window int, bias int) *image.NRGBA {
	if window < 3 {
		window = 3
	}
	if window%2 == 0 {
		window++
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	lum := make([]int, w*h)
	ints := make([]int, w*h)
	lo, hi := 255, 0
	for y := 0; y < h; y++ {
		rowSum := 0
		for x := 0; x < w; x++ {
			v := luma(img.At(b.Min.X+x, b.Min.Y+y))
			lum[y*w+x] = v
			lo, hi = min(lo, v), max(hi, v)
			rowSum += v
			if y == 0 {
				ints[y*w+x] = rowSum
			} else {
				ints[y*w+x] = ints[(y-1)*w+x] + rowSum
			}
		}
	}
	if hi-lo < 2*bias {
		return binarize(img, 128)
	}

	at := func(x, y int) int {
		if x < 0 || y < 0 {
			return 0
		}
		return ints[y*w+x]
	}
	half := window / 2
	out := imaging.New(w, h, color.NRGBA{255, 255, 255, 255})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			x0, y0 := max(x-half, 0), max(y-half, 0)
			x1, y1 := min(x+half, w-1), min(y+half, h-1)
			sum := at(x1, y1) - at(x0-1, y1) - at(x1, y0-1) + at(x0-1, y0-1)
			mean := sum / ((x1 - x0 + 1) * (y1 - y0 + 1))
			if lum[y*w+x] < mean-bias {
				out.SetNRGBA(x, y, color.NRGBA{0, 0, 0, 255})
			}
		}
	}
	return out
}
