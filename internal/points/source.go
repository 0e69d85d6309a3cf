// Package points supplies the ordered list of coordinates to process.
package points

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Point is one coordinate to harvest. Identity is ID; points are never
// mutated.
type Point struct {
	ID  string
	Lat float64
	Lng float64
}

// LoadCSV reads points from a CSV file with ID, Lat and Lng columns, in file
// order. Column order does not matter; extra columns are ignored.
func LoadCSV(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open points file: %w", err)
	}
	defer f.Close()

	pts, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read points file %s: %w", path, err)
	}
	return pts, nil
}

// ReadCSV parses points from CSV data.
func ReadCSV(r io.Reader) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("points file is empty")
	}
	if err != nil {
		return nil, err
	}

	idIdx, latIdx, lngIdx := -1, -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id":
			idIdx = i
		case "lat", "latitude":
			latIdx = i
		case "lng", "lon", "longitude":
			lngIdx = i
		}
	}
	if idIdx < 0 || latIdx < 0 || lngIdx < 0 {
		return nil, fmt.Errorf("points file must have ID, Lat and Lng columns, got %v", header)
	}

	var pts []Point
	seen := make(map[string]bool)
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		if len(row) <= idIdx || len(row) <= latIdx || len(row) <= lngIdx {
			return nil, fmt.Errorf("line %d: too few columns", line)
		}

		id := strings.TrimSpace(row[idIdx])
		if id == "" {
			return nil, fmt.Errorf("line %d: empty point ID", line)
		}
		if seen[id] {
			return nil, fmt.Errorf("line %d: duplicate point ID %q", line, id)
		}
		seen[id] = true

		lat, err := strconv.ParseFloat(strings.TrimSpace(row[latIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad latitude %q", line, row[latIdx])
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(row[lngIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad longitude %q", line, row[lngIdx])
		}
		if lat < -90 || lat > 90 {
			return nil, fmt.Errorf("line %d: latitude %f out of range [-90, 90]", line, lat)
		}
		if lng < -180 || lng > 180 {
			return nil, fmt.Errorf("line %d: longitude %f out of range [-180, 180]", line, lng)
		}

		pts = append(pts, Point{ID: id, Lat: lat, Lng: lng})
	}

	return pts, nil
}
