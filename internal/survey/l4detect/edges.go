package l4detect

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// toGray converts any image to an 8-bit grayscale image with origin (0, 0).
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// downscale shrinks g to at most maxWidth pixels wide with bilinear
// filtering. It returns the image to process and the factor that maps its
// coordinates back to g's.
func downscale(g *image.Gray, maxWidth int) (*image.Gray, float64) {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if maxWidth <= 0 || w <= maxWidth {
		return g, 1
	}
	nh := int(math.Round(float64(h) * float64(maxWidth) / float64(w)))
	if nh < 1 {
		nh = 1
	}
	dst := image.NewGray(image.Rect(0, 0, maxWidth, nh))
	draw.BiLinear.Scale(dst, dst.Bounds(), g, g.Bounds(), draw.Src, nil)
	return dst, float64(w) / float64(maxWidth)
}

// plane is a float64 image buffer in row-major order.
type plane struct {
	w, h int
	pix  []float64
}

func newPlane(w, h int) *plane {
	return &plane{w: w, h: h, pix: make([]float64, w*h)}
}

// at reads with clamped (replicated) borders.
func (p *plane) at(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= p.w {
		x = p.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= p.h {
		y = p.h - 1
	}
	return p.pix[y*p.w+x]
}

func planeFromGray(g *image.Gray) *plane {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	p := newPlane(w, h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			p.pix[y*w+x] = float64(v)
		}
	}
	return p
}

// gaussianKernel returns a normalised 1-D kernel. The sigma follows the
// usual size-derived rule 0.3*((k-1)*0.5-1)+0.8.
func gaussianKernel(size int) []float64 {
	sigma := 0.3*((float64(size)-1)*0.5-1) + 0.8
	k := make([]float64, size)
	half := size / 2
	var sum float64
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// blur applies a separable Gaussian blur. Sizes below 3 return src.
func blur(src *plane, size int) *plane {
	if size < 3 {
		return src
	}
	k := gaussianKernel(size)
	half := size / 2
	w, h := src.w, src.h

	tmp := newPlane(w, h)
	for y := 0; y < h; y++ {
		row := src.pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var acc float64
			if x >= half && x < w-half {
				win := row[x-half : x-half+size]
				for i, kv := range k {
					acc += kv * win[i]
				}
			} else {
				for i, kv := range k {
					acc += kv * src.at(x+i-half, y)
				}
			}
			tmp.pix[y*w+x] = acc
		}
	}
	out := newPlane(w, h)
	for y := 0; y < h; y++ {
		interior := y >= half && y < h-half
		for x := 0; x < w; x++ {
			var acc float64
			if interior {
				idx := (y-half)*w + x
				for _, kv := range k {
					acc += kv * tmp.pix[idx]
					idx += w
				}
			} else {
				for i, kv := range k {
					acc += kv * tmp.at(x, y+i-half)
				}
			}
			out.pix[y*w+x] = acc
		}
	}
	return out
}

// edgeMap holds the thresholded Sobel mask, the gradient magnitude at mask
// pixels (zero elsewhere) and an integral image of the mask for fast
// empty-region rejection.
type edgeMap struct {
	w, h     int
	mag      []float64
	mask     []bool
	integral []int // (w+1) x (h+1)
}

func sobel(src *plane, threshold float64) *edgeMap {
	w, h := src.w, src.h
	e := &edgeMap{
		w:        w,
		h:        h,
		mag:      make([]float64, w*h),
		mask:     make([]bool, w*h),
		integral: make([]int, (w+1)*(h+1)),
	}
	thr2 := threshold * threshold
	for y := 0; y < h; y++ {
		interiorRow := y > 0 && y < h-1
		for x := 0; x < w; x++ {
			var gx, gy float64
			if interiorRow && x > 0 && x < w-1 {
				up, mid, down := (y-1)*w+x, y*w+x, (y+1)*w+x
				p := src.pix
				gx = p[up+1] + 2*p[mid+1] + p[down+1] - p[up-1] - 2*p[mid-1] - p[down-1]
				gy = p[down-1] + 2*p[down] + p[down+1] - p[up-1] - 2*p[up] - p[up+1]
			} else {
				gx = src.at(x+1, y-1) + 2*src.at(x+1, y) + src.at(x+1, y+1) -
					src.at(x-1, y-1) - 2*src.at(x-1, y) - src.at(x-1, y+1)
				gy = src.at(x-1, y+1) + 2*src.at(x, y+1) + src.at(x+1, y+1) -
					src.at(x-1, y-1) - 2*src.at(x, y-1) - src.at(x+1, y-1)
			}
			if m2 := gx*gx + gy*gy; threshold <= 0 || m2 >= thr2 {
				e.mag[y*w+x] = math.Sqrt(m2)
				e.mask[y*w+x] = true
			}
		}
	}
	stride := w + 1
	for y := 0; y < h; y++ {
		rowSum := 0
		for x := 0; x < w; x++ {
			if e.mask[y*w+x] {
				rowSum++
			}
			e.integral[(y+1)*stride+x+1] = e.integral[y*stride+x+1] + rowSum
		}
	}
	return e
}

// countBox returns the number of edge pixels in [x0, x1) x [y0, y1),
// clipped to the image.
func (e *edgeMap) countBox(x0, y0, x1, y1 int) int {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, e.w), min(y1, e.h)
	if x0 >= x1 || y0 >= y1 {
		return 0
	}
	s := e.w + 1
	return e.integral[y1*s+x1] - e.integral[y0*s+x1] - e.integral[y1*s+x0] + e.integral[y0*s+x0]
}

// edgeCount returns the number of edge pixels in the whole map.
func (e *edgeMap) edgeCount() int {
	return e.countBox(0, 0, e.w, e.h)
}
