// Package geotable holds the geospatial tables passed between pipeline
// stages and their on-disk representations.
package geotable

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/travigo/transport-performance/pkg/geo"
)

const (
	LabelUrbanCentre = "vectorized_uc"
	LabelBuffer      = "buffer"
	LabelBBox        = "bbox"
)

var requiredLabels = []string{LabelUrbanCentre, LabelBuffer, LabelBBox}

type LabeledGeometry struct {
	Label    string       `json:"label" groups:"map"`
	Geometry orb.Geometry `json:"-"`
}

// UrbanCentre is the labelled output of urban centre detection. It is
// immutable once built; accessors hand out copies.
type UrbanCentre struct {
	CRS geo.CRS

	features []LabeledGeometry
	index    map[string]int
}

func NewUrbanCentre(crs geo.CRS, features []LabeledGeometry) (*UrbanCentre, error) {
	uc := &UrbanCentre{
		CRS:   crs,
		index: map[string]int{},
	}

	for _, feature := range features {
		if _, exists := uc.index[feature.Label]; exists {
			return nil, fmt.Errorf("urban centre label %q appears more than once", feature.Label)
		}
		if feature.Geometry == nil {
			return nil, fmt.Errorf("urban centre label %q has no geometry", feature.Label)
		}
		uc.index[feature.Label] = len(uc.features)
		uc.features = append(uc.features, LabeledGeometry{
			Label:    feature.Label,
			Geometry: orb.Clone(feature.Geometry),
		})
	}

	for _, label := range requiredLabels {
		if _, exists := uc.index[label]; !exists {
			return nil, fmt.Errorf("urban centre is missing the %q geometry", label)
		}
	}

	return uc, nil
}

// Empty reports whether detection produced nothing, which only happens when
// running detection on its own and the detector failed.
func (u *UrbanCentre) Empty() bool {
	return u == nil || len(u.features) == 0
}

func (u *UrbanCentre) Get(label string) (orb.Geometry, bool) {
	if u == nil {
		return nil, false
	}
	i, exists := u.index[label]
	if !exists {
		return nil, false
	}

	return orb.Clone(u.features[i].Geometry), true
}

func (u *UrbanCentre) Labels() []string {
	labels := make([]string, 0, len(u.features))
	for _, feature := range u.features {
		labels = append(labels, feature.Label)
	}

	return labels
}

// Features returns copies of the labelled geometries in detection order.
func (u *UrbanCentre) Features() []LabeledGeometry {
	features := make([]LabeledGeometry, 0, len(u.features))
	for _, feature := range u.features {
		features = append(features, LabeledGeometry{Label: feature.Label, Geometry: orb.Clone(feature.Geometry)})
	}

	return features
}

func (u *UrbanCentre) Polygon() orb.Geometry {
	g, _ := u.Get(LabelUrbanCentre)
	return g
}

func (u *UrbanCentre) Buffer() orb.Geometry {
	g, _ := u.Get(LabelBuffer)
	return g
}

func (u *UrbanCentre) BBox() orb.Geometry {
	g, _ := u.Get(LabelBBox)
	return g
}

// GeometryIn returns a labelled geometry reprojected into crs.
func (u *UrbanCentre) GeometryIn(label string, crs geo.CRS) (orb.Geometry, error) {
	g, exists := u.Get(label)
	if !exists {
		return nil, fmt.Errorf("urban centre has no %q geometry", label)
	}

	return geo.Reproject(g, u.CRS, crs)
}
