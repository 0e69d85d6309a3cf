package streetview

import "fmt"

// Zoom limits for the street view tile endpoint.
const (
	MinZoom = 0
	MaxZoom = 5
)

// TileGrid describes the tile layout of one panorama at a fixed zoom level.
// It is configuration-derived and constant for a whole run.
type TileGrid struct {
	Zoom     int `json:"zoom"`
	TileSize int `json:"tileSize"` // Tile edge length in pixels
	Cols     int `json:"cols"`
	Rows     int `json:"rows"`
}

// Validate checks the grid parameters.
func (g TileGrid) Validate() error {
	if g.Zoom < MinZoom || g.Zoom > MaxZoom {
		return fmt.Errorf("zoom %d out of range [%d, %d]", g.Zoom, MinZoom, MaxZoom)
	}
	if g.TileSize <= 0 {
		return fmt.Errorf("tile size must be positive, got %d", g.TileSize)
	}
	if g.Cols < 1 || g.Rows < 1 {
		return fmt.Errorf("grid must be at least 1x1, got %dx%d", g.Cols, g.Rows)
	}
	return nil
}

// Width returns the stitched output width in pixels.
func (g TileGrid) Width() int {
	return g.TileSize * g.Cols
}

// Height returns the stitched output height in pixels.
func (g TileGrid) Height() int {
	return g.TileSize * g.Rows
}

// TileCount returns the number of cells in the grid.
func (g TileGrid) TileCount() int {
	return g.Cols * g.Rows
}
