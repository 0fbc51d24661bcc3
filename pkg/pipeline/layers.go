package pipeline

import (
	"github.com/travigo/transport-performance/pkg/geo"
	"github.com/travigo/transport-performance/pkg/geotable"
	"github.com/travigo/transport-performance/pkg/gtfs"
	"github.com/travigo/transport-performance/pkg/mapview"
)

// urbanCentreLayer lists the labels in reverse so the urban centre is drawn
// on top of its buffer and bounding box.
func urbanCentreLayer(uc *geotable.UrbanCentre) mapview.Layer {
	features := uc.Features()

	layer := mapview.Layer{Name: mapview.UrbanCentreLayerName, CRS: uc.CRS}
	for i := len(features) - 1; i >= 0; i-- {
		layer.Features = append(layer.Features, mapview.Feature{
			Geometry:   features[i].Geometry,
			Properties: features[i],
		})
	}

	return layer
}

func boundaryLayer(uc *geotable.UrbanCentre) mapview.Layer {
	return mapview.Layer{
		Name: mapview.UrbanCentreLayerName,
		CRS:  uc.CRS,
		Features: []mapview.Feature{{
			Geometry:   uc.Polygon(),
			Properties: geotable.LabeledGeometry{Label: geotable.LabelUrbanCentre},
		}},
	}
}

func populationLayer(grid *geotable.PopulationGrid) mapview.Layer {
	layer := mapview.Layer{Name: "Population", CRS: grid.CRS}
	for _, cell := range grid.Cells {
		layer.Features = append(layer.Features, mapview.Feature{Geometry: cell.Geometry, Properties: cell})
	}

	return layer
}

func performanceLayer(performance *geotable.Performance) mapview.Layer {
	layer := mapview.Layer{Name: "Transport Performance", CRS: performance.CRS}
	for _, cell := range performance.Cells {
		layer.Features = append(layer.Features, mapview.Feature{Geometry: cell.Geometry, Properties: cell})
	}

	return layer
}

func stopsLayer(stops []gtfs.StopView) mapview.Layer {
	layer := mapview.Layer{Name: "Stops", CRS: geo.WGS84}
	for _, stop := range stops {
		layer.Features = append(layer.Features, mapview.Feature{Geometry: stop.Point, Properties: stop})
	}

	return layer
}
