// Package testutil provides shared test utilities and fixtures.
//
// This package centralises the synthetic frames and marker geometry used by
// the survey layer tests. It depends only on the shared survey package so
// that every layer can import it from in-package tests.
package testutil

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/banshee-data/surface.report/internal/survey"
)

// AssertPointNear fails the test if got is further than tol from want.
func AssertPointNear(t *testing.T, want, got survey.Point, tol float64) {
	t.Helper()
	if d := want.Distance(got); d > tol || math.IsNaN(d) {
		t.Errorf("point = (%.4f, %.4f), want (%.4f, %.4f) within %g (off by %.4f)",
			got.X, got.Y, want.X, want.Y, tol, d)
	}
}

// SquareCorners returns the corners of a square marker of edge length size
// centred on center and rotated by rot radians, ordered top-left, top-right,
// bottom-right, bottom-left.
func SquareCorners(center survey.Point, size, rot float64) []survey.Point {
	h := size / 2
	offsets := []survey.Point{{X: -h, Y: -h}, {X: h, Y: -h}, {X: h, Y: h}, {X: -h, Y: h}}
	cos, sin := math.Cos(rot), math.Sin(rot)
	out := make([]survey.Point, len(offsets))
	for i, o := range offsets {
		out[i] = survey.Point{
			X: center.X + o.X*cos - o.Y*sin,
			Y: center.Y + o.X*sin + o.Y*cos,
		}
	}
	return out
}

// NewGrayFrame returns a width x height grayscale frame filled with bg.
func NewGrayFrame(width, height int, bg uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = bg
	}
	return img
}

// DrawDisc fills a disc of the given radius with value.
func DrawDisc(img *image.Gray, center survey.Point, radius float64, value uint8) {
	DrawRing(img, center, 0, radius, value)
}

// DrawRing fills the annulus inner <= r <= outer with value.
func DrawRing(img *image.Gray, center survey.Point, inner, outer float64, value uint8) {
	b := img.Bounds()
	x0 := int(math.Floor(center.X - outer))
	x1 := int(math.Ceil(center.X + outer))
	y0 := int(math.Floor(center.Y - outer))
	y1 := int(math.Ceil(center.Y + outer))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !(image.Point{X: x, Y: y}).In(b) {
				continue
			}
			d := math.Hypot(float64(x)-center.X, float64(y)-center.Y)
			if d >= inner && d <= outer {
				img.SetGray(x, y, color.Gray{Y: value})
			}
		}
	}
}

// DrawChecker paints an axis-aligned square of edge size centred on center
// as a cells x cells black and white checkerboard, the way printed fiducial
// markers look to the cone detector.
func DrawChecker(img *image.Gray, center survey.Point, size float64, cells int) {
	if cells < 1 {
		cells = 1
	}
	b := img.Bounds()
	left, top := center.X-size/2, center.Y-size/2
	cell := size / float64(cells)
	for y := int(math.Floor(top)); y < int(math.Ceil(top+size)); y++ {
		for x := int(math.Floor(left)); x < int(math.Ceil(left+size)); x++ {
			u, v := float64(x)+0.5-left, float64(y)+0.5-top
			if u < 0 || v < 0 || u >= size || v >= size || !(image.Point{X: x, Y: y}).In(b) {
				continue
			}
			value := uint8(0)
			if (int(u/cell)+int(v/cell))%2 == 1 {
				value = 255
			}
			img.SetGray(x, y, color.Gray{Y: value})
		}
	}
}

// ToRGBA copies a grayscale frame into an RGBA image, for exercising colour
// input paths.
func ToRGBA(img *image.Gray) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := img.GrayAt(x, y).Y
			out.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return out
}
