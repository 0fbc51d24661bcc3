package geo

import (
	"github.com/paulcager/osgridref"
	"github.com/paulmach/orb"
)

// ParseGridRef reads an Ordnance Survey grid reference, either lettered
// ("ST 31 87") or numeric ("331000,187000"), as a BritishNationalGrid point.
func ParseGridRef(ref string) (orb.Point, error) {
	gridRef, err := osgridref.ParseOsGridRef(ref)
	if err != nil {
		return orb.Point{}, err
	}

	return orb.Point{float64(gridRef.Easting), float64(gridRef.Northing)}, nil
}
