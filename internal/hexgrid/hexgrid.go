// Package hexgrid wraps the H3 cell math the community layer is keyed on.
// Cells cross the API boundary as their lowercase hex string form; only
// this package touches h3 types.
package hexgrid

import (
	"errors"
	"fmt"

	h3 "github.com/uber/h3-go/v4"
)

// DefaultResolution is the cell size communities live at (~0.7 km^2 hexagons).
const DefaultResolution = 8

var (
	ErrInvalidCell       = errors.New("invalid h3 cell index")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
)

// CellForLocation returns the H3 cell index containing the coordinate at
// the given resolution.
func CellForLocation(lat, lng float64, res int) (string, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, lat, lng)
	}
	if res < 0 || res > 15 {
		return "", fmt.Errorf("invalid resolution %d (must be 0..15)", res)
	}
	cell := h3.LatLngToCell(h3.NewLatLng(lat, lng), res)
	if !cell.IsValid() {
		return "", ErrInvalidCell
	}
	return cell.String(), nil
}

// NeighborRing returns the indices within k grid steps of the cell, origin
// excluded. A hexagon at k=1 has six neighbors; pentagons have five.
func NeighborRing(index string, k int) ([]string, error) {
	cell, err := parseCell(index)
	if err != nil {
		return nil, err
	}
	if k < 0 {
		return nil, fmt.Errorf("invalid ring size %d", k)
	}

	disk := h3.GridDisk(cell, k)
	ring := make([]string, 0, len(disk)-1)
	for _, c := range disk {
		if c == cell || !c.IsValid() {
			continue
		}
		ring = append(ring, c.String())
	}
	return ring, nil
}

// CellCenter returns the center coordinate of the cell.
func CellCenter(index string) (lat, lng float64, err error) {
	cell, err := parseCell(index)
	if err != nil {
		return 0, 0, err
	}
	ll := h3.CellToLatLng(cell)
	return ll.Lat, ll.Lng, nil
}

// Resolution returns the resolution encoded in the cell index.
func Resolution(index string) (int, error) {
	cell, err := parseCell(index)
	if err != nil {
		return 0, err
	}
	return cell.Resolution(), nil
}

// Validate reports whether the string is a well-formed H3 cell index.
func Validate(index string) error {
	_, err := parseCell(index)
	return err
}

func parseCell(index string) (h3.Cell, error) {
	if index == "" {
		return 0, ErrInvalidCell
	}
	cell := h3.Cell(h3.IndexFromString(index))
	if !cell.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCell, index)
	}
	return cell, nil
}
