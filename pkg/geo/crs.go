// Package geo handles the coordinate reference systems used across a run and
// reprojection of orb geometries between them.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/wroge/wgs84"
)

// CRS is an "AUTHORITY:CODE" identifier such as "EPSG:4326".
type CRS string

const (
	WGS84               CRS = "EPSG:4326"
	WebMercator         CRS = "EPSG:3857"
	Mollweide           CRS = "ESRI:54009"
	BritishNationalGrid CRS = "EPSG:27700"
)

var ErrUnsupportedCRS = errors.New("unsupported crs")

var epsg = wgs84.EPSG()

// esri holds the ESRI codes the rasters are published in.
var esri = map[int]wgs84.CoordinateReferenceSystem{
	54009: wgs84.ProjectedReferenceSystem{
		Datum:      wgs84.WGS84(),
		Projection: mollweide{},
	},
}

// ParseCRS normalises identifiers such as "epsg:4326" or "EPSG: 27700". Any
// EPSG code known to github.com/wroge/wgs84 is accepted.
func ParseCRS(s string) (CRS, error) {
	normalised := CRS(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "")))
	if _, err := normalised.system(); err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCRS, s)
	}

	return normalised, nil
}

func (c CRS) String() string {
	return string(c)
}

// Authority splits the identifier into its authority and numeric code.
func (c CRS) Authority() (string, int, error) {
	authority, code, found := strings.Cut(string(c), ":")
	if !found {
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedCRS, string(c))
	}

	number, err := strconv.Atoi(code)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedCRS, string(c))
	}

	return authority, number, nil
}

func (c CRS) system() (wgs84.CoordinateReferenceSystem, error) {
	authority, code, err := c.Authority()
	if err != nil {
		return nil, err
	}

	var system wgs84.CoordinateReferenceSystem
	switch authority {
	case "EPSG":
		system = epsg.Code(code)
	case "ESRI":
		system = esri[code]
	}
	if system == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCRS, string(c))
	}

	return system, nil
}

// Supported reports whether c can be reprojected.
func (c CRS) Supported() bool {
	_, err := c.system()
	return err == nil
}

// Geographic reports whether coordinates are longitude/latitude degrees.
func (c CRS) Geographic() bool {
	system, err := c.system()
	if err != nil {
		return false
	}
	_, geographic := system.(wgs84.GeographicReferenceSystem)

	return geographic
}

// Projection returns a point projection from one CRS to another.
func Projection(from CRS, to CRS) (orb.Projection, error) {
	source, err := from.system()
	if err != nil {
		return nil, err
	}
	target, err := to.system()
	if err != nil {
		return nil, err
	}

	if from == to {
		return func(p orb.Point) orb.Point { return p }, nil
	}

	transform := wgs84.Transform(source, target)

	return func(p orb.Point) orb.Point {
		x, y, _ := transform(p[0], p[1], 0)
		return orb.Point{x, y}
	}, nil
}

// Reproject returns a reprojected copy of g. The input geometry is never
// modified. Bounds are converted to polygons first since an axis aligned
// rectangle does not survive most projections.
func Reproject(g orb.Geometry, from CRS, to CRS) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}

	proj, err := Projection(from, to)
	if err != nil {
		return nil, err
	}

	if bound, isBound := g.(orb.Bound); isBound {
		g = bound.ToPolygon()
	}

	projected := project.Geometry(orb.Clone(g), proj)

	invalid := false
	eachPoint(projected, func(p orb.Point) {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			invalid = true
		}
	})
	if invalid {
		return nil, fmt.Errorf("geometry cannot be represented in %s", to)
	}

	return projected, nil
}

func ReprojectPoint(p orb.Point, from CRS, to CRS) (orb.Point, error) {
	projected, err := Reproject(p, from, to)
	if err != nil {
		return orb.Point{}, err
	}

	return projected.(orb.Point), nil
}

// ReprojectBound returns the bound of the reprojected geometry.
func ReprojectBound(g orb.Geometry, from CRS, to CRS) (orb.Bound, error) {
	projected, err := Reproject(g, from, to)
	if err != nil {
		return orb.Bound{}, err
	}

	return projected.Bound(), nil
}

func eachPoint(g orb.Geometry, fn func(orb.Point)) {
	switch geometry := g.(type) {
	case orb.Point:
		fn(geometry)
	case orb.MultiPoint:
		for _, p := range geometry {
			fn(p)
		}
	case orb.LineString:
		for _, p := range geometry {
			fn(p)
		}
	case orb.Ring:
		for _, p := range geometry {
			fn(p)
		}
	case orb.MultiLineString:
		for _, ls := range geometry {
			eachPoint(ls, fn)
		}
	case orb.Polygon:
		for _, r := range geometry {
			eachPoint(r, fn)
		}
	case orb.MultiPolygon:
		for _, p := range geometry {
			eachPoint(p, fn)
		}
	case orb.Collection:
		for _, child := range geometry {
			eachPoint(child, fn)
		}
	case orb.Bound:
		fn(geometry.Min)
		fn(geometry.Max)
	}
}
