// Package stitch composes a panorama tile grid into a single raster and
// encodes it. It performs no network or filesystem access.
package stitch

import (
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/tiff"

	"streetview-harvest/internal/streetview"
)

// JPEGQuality is the encoder quality for jpg output.
const JPEGQuality = 90

// ConsistencyError means a tile's dimensions do not match the grid spec.
// This indicates misconfiguration, not a remote failure, and is permanent.
type ConsistencyError struct {
	Col, Row      int
	Width, Height int
	ExpectedSize  int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("tile %d,%d is %dx%d, grid spec requires %dx%d",
		e.Col, e.Row, e.Width, e.Height, e.ExpectedSize, e.ExpectedSize)
}

// Grid holds the fetched tiles of one panorama, indexed by (col, row).
type Grid struct {
	spec  streetview.TileGrid
	cells []image.Image
}

// NewGrid allocates an empty grid for the given spec.
func NewGrid(spec streetview.TileGrid) *Grid {
	return &Grid{
		spec:  spec,
		cells: make([]image.Image, spec.TileCount()),
	}
}

// Set places a tile at (col, row). The tile must match the spec's tile size.
func (g *Grid) Set(col, row int, tile image.Image) error {
	if col < 0 || col >= g.spec.Cols || row < 0 || row >= g.spec.Rows {
		return fmt.Errorf("cell %d,%d out of grid %dx%d", col, row, g.spec.Cols, g.spec.Rows)
	}
	bounds := tile.Bounds()
	if bounds.Dx() != g.spec.TileSize || bounds.Dy() != g.spec.TileSize {
		return &ConsistencyError{
			Col: col, Row: row,
			Width: bounds.Dx(), Height: bounds.Dy(),
			ExpectedSize: g.spec.TileSize,
		}
	}
	g.cells[row*g.spec.Cols+col] = tile
	return nil
}

// At returns the tile at (col, row), or nil if the cell is unfilled.
func (g *Grid) At(col, row int) image.Image {
	if col < 0 || col >= g.spec.Cols || row < 0 || row >= g.spec.Rows {
		return nil
	}
	return g.cells[row*g.spec.Cols+col]
}

// Spec returns the grid's layout spec.
func (g *Grid) Spec() streetview.TileGrid {
	return g.spec
}

// Stitch composites the grid into one raster of TileSize*Cols x TileSize*Rows
// pixels: the tile at (col, row) lands at pixel offset (col*size, row*size).
// Unfilled cells stay black. Deterministic for identical input.
func Stitch(g *Grid) *image.RGBA {
	spec := g.spec
	out := image.NewRGBA(image.Rect(0, 0, spec.Width(), spec.Height()))

	for row := 0; row < spec.Rows; row++ {
		for col := 0; col < spec.Cols; col++ {
			tile := g.At(col, row)
			if tile == nil {
				continue
			}
			xOffset := col * spec.TileSize
			yOffset := row * spec.TileSize
			destRect := image.Rect(xOffset, yOffset, xOffset+spec.TileSize, yOffset+spec.TileSize)
			draw.Draw(out, destRect, tile, tile.Bounds().Min, draw.Src)
		}
	}

	return out
}

// Format is an output raster encoding.
type Format string

const (
	FormatJPEG Format = "jpg"
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
)

// ParseFormat normalizes a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("unsupported output format %q: must be jpg, png or tiff", s)
	}
}

// Ext returns the file extension for the format, without the dot.
func (f Format) Ext() string {
	return string(f)
}

// Encode writes img to w in the given format.
func Encode(w io.Writer, img image.Image, format Format) error {
	switch format {
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	case FormatPNG:
		return png.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
