package geo

import (
	"fmt"

	"github.com/paulmach/orb"
)

// BBox is an axis aligned rectangle in a given CRS.
type BBox struct {
	Bound orb.Bound
	CRS   CRS
}

// NewBBox builds a bbox from [minx, miny, maxx, maxy].
func NewBBox(coords []float64, crs CRS) (BBox, error) {
	if len(coords) != 4 {
		return BBox{}, fmt.Errorf("bbox needs 4 coordinates, got %d", len(coords))
	}
	if coords[0] >= coords[2] || coords[1] >= coords[3] {
		return BBox{}, fmt.Errorf("bbox %v is not ordered as [minx, miny, maxx, maxy]", coords)
	}
	if !crs.Supported() {
		return BBox{}, fmt.Errorf("%w: %q", ErrUnsupportedCRS, crs)
	}

	return BBox{
		Bound: orb.Bound{
			Min: orb.Point{coords[0], coords[1]},
			Max: orb.Point{coords[2], coords[3]},
		},
		CRS: crs,
	}, nil
}

// Polygon returns the four corner polygon of the bbox.
func (b BBox) Polygon() orb.Polygon {
	return b.Bound.ToPolygon()
}

// PolygonIn reprojects the corners of the bbox into crs. Edges are not
// densified, matching how the rasters and feeds consume the box.
func (b BBox) PolygonIn(crs CRS) (orb.Polygon, error) {
	projected, err := Reproject(b.Polygon(), b.CRS, crs)
	if err != nil {
		return nil, err
	}

	return projected.(orb.Polygon), nil
}

// BoundIn is the bound of the bbox once reprojected into crs.
func (b BBox) BoundIn(crs CRS) (orb.Bound, error) {
	polygon, err := b.PolygonIn(crs)
	if err != nil {
		return orb.Bound{}, err
	}

	return polygon.Bound(), nil
}
