package stitch

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"streetview-harvest/internal/streetview"
)

func solidTile(size int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestGridSetValidation(t *testing.T) {
	spec := streetview.TileGrid{Zoom: 1, TileSize: 4, Cols: 2, Rows: 2}
	g := NewGrid(spec)

	if err := g.Set(0, 0, solidTile(4, color.RGBA{R: 255, A: 255})); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := g.Set(2, 0, solidTile(4, color.RGBA{A: 255})); err == nil {
		t.Error("Set() out-of-range col accepted")
	}
	if err := g.Set(0, -1, solidTile(4, color.RGBA{A: 255})); err == nil {
		t.Error("Set() negative row accepted")
	}

	err := g.Set(1, 1, solidTile(8, color.RGBA{A: 255}))
	var cerr *ConsistencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("Set() wrong-sized tile error = %v, want *ConsistencyError", err)
	}
	if cerr.Width != 8 || cerr.ExpectedSize != 4 {
		t.Errorf("ConsistencyError = %+v, want width 8 expected 4", cerr)
	}
}

func TestStitchPlacement(t *testing.T) {
	const size = 4
	spec := streetview.TileGrid{Zoom: 1, TileSize: size, Cols: 2, Rows: 2}
	colors := map[[2]int]color.RGBA{
		{0, 0}: {R: 255, A: 255},
		{1, 0}: {G: 255, A: 255},
		{0, 1}: {B: 255, A: 255},
		{1, 1}: {R: 255, G: 255, A: 255},
	}

	g := NewGrid(spec)
	for cell, c := range colors {
		if err := g.Set(cell[0], cell[1], solidTile(size, c)); err != nil {
			t.Fatalf("Set(%v) error = %v", cell, err)
		}
	}

	out := Stitch(g)
	if b := out.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Fatalf("output is %dx%d, want 8x8", b.Dx(), b.Dy())
	}

	// Sample the center pixel of each quadrant.
	for cell, want := range colors {
		x := cell[0]*size + size/2
		y := cell[1]*size + size/2
		if got := out.RGBAAt(x, y); got != want {
			t.Errorf("pixel (%d,%d) = %v, want %v", x, y, got, want)
		}
	}
}

func TestStitchLeavesMissingCellsBlack(t *testing.T) {
	spec := streetview.TileGrid{Zoom: 1, TileSize: 4, Cols: 2, Rows: 1}
	g := NewGrid(spec)
	if err := g.Set(0, 0, solidTile(4, color.RGBA{R: 255, A: 255})); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	out := Stitch(g)
	if got := out.RGBAAt(2, 2); (got != color.RGBA{R: 255, A: 255}) {
		t.Errorf("filled cell pixel = %v, want red", got)
	}
	if got := out.RGBAAt(6, 2); (got != color.RGBA{}) {
		t.Errorf("missing cell pixel = %v, want zero (black)", got)
	}
}

func TestStitchDeterministic(t *testing.T) {
	spec := streetview.TileGrid{Zoom: 1, TileSize: 4, Cols: 2, Rows: 1}
	build := func() *image.RGBA {
		g := NewGrid(spec)
		g.Set(0, 0, solidTile(4, color.RGBA{R: 10, G: 20, B: 30, A: 255}))
		g.Set(1, 0, solidTile(4, color.RGBA{R: 40, G: 50, B: 60, A: 255}))
		return Stitch(g)
	}

	a, b := build(), build()
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Error("two stitches of identical input differ")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"jpg", FormatJPEG, false},
		{"JPEG", FormatJPEG, false},
		{"", FormatJPEG, false},
		{"png", FormatPNG, false},
		{"tif", FormatTIFF, false},
		{"TIFF", FormatTIFF, false},
		{"bmp", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	spec := streetview.TileGrid{Zoom: 1, TileSize: 4, Cols: 2, Rows: 1}
	g := NewGrid(spec)
	g.Set(0, 0, solidTile(4, color.RGBA{R: 255, A: 255}))
	g.Set(1, 0, solidTile(4, color.RGBA{G: 255, A: 255}))
	img := Stitch(g)

	for _, format := range []Format{FormatJPEG, FormatPNG, FormatTIFF} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, img, format); err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			decoded, _, err := image.Decode(&buf)
			if err != nil {
				t.Fatalf("decode of %s output failed: %v", format, err)
			}
			if b := decoded.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
				t.Errorf("decoded size %dx%d, want 8x4", b.Dx(), b.Dy())
			}
		})
	}
}
