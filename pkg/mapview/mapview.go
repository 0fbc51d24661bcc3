// Package mapview composes interactive Leaflet maps from geospatial layers.
package mapview

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/liip/sheriff"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/travigo/transport-performance/pkg/geo"
)

const (
	FixedColour       = "#12436D"
	NoDataColour      = "#BFBFBF"
	OverlayColour     = "#F46A25"
	UrbanCentreColour = "red"
	DefaultMaxLabels  = 9
	DefaultColormap   = "viridis_r"

	UrbanCentreLayerName = "Urban Centre"
	PointLayerName       = "POI"
	BufferLayerName      = "Max Distance from Destination"
	OverlayLayerName     = "Overlay"
)

const styleProperty = "__style"

var ErrEmptyLayer = errors.New("layer has no features")

// Feature is one geometry and the value whose "map" group fields become its
// popup properties.
type Feature struct {
	Geometry   orb.Geometry
	Properties interface{}
}

type Layer struct {
	Name     string
	CRS      geo.CRS
	Features []Feature
}

type Tile struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Attribution string `json:"attribution"`
	Show        bool   `json:"show"`
}

var baseTiles = []Tile{
	{
		Name:        "Carto Positron Basemap",
		URL:         "https://{s}.basemaps.cartocdn.com/light_all/{z}/{x}/{y}{r}.png",
		Attribution: `&copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a> contributors &copy; <a href="https://carto.com/attributions">CARTO</a>`,
		Show:        true,
	},
	{
		Name:        "OpenStreetMap Basemap",
		URL:         "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		Attribution: `&copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a> contributors`,
		Show:        false,
	},
}

type Style struct {
	Colour      string  `json:"color"`
	FillColour  string  `json:"fillColor,omitempty"`
	Fill        bool    `json:"fill"`
	FillOpacity float64 `json:"fillOpacity"`
	Weight      float64 `json:"weight"`
	DashArray   string  `json:"dashArray,omitempty"`
}

type RenderedLayer struct {
	Name   string                     `json:"name"`
	Show   bool                       `json:"show"`
	Marker bool                       `json:"marker"`
	Data   *geojson.FeatureCollection `json:"data"`
	Bound  orb.Bound                  `json:"-"`
}

type Legend struct {
	Caption string       `json:"caption"`
	Ticks   []LegendTick `json:"ticks"`
}

// Map is a fully composed map. Building it has no side effects; only Save
// touches the filesystem.
type Map struct {
	Tiles  []Tile          `json:"tiles"`
	Layers []RenderedLayer `json:"layers"`
	Legend *Legend         `json:"legend,omitempty"`
	Bounds orb.Bound       `json:"-"`
}

type pointOptions struct {
	point  orb.Point
	crs    geo.CRS
	show   bool
	name   string
	colour string
	buffer float64
}

type overlayOptions struct {
	layer Layer
	name  string
	show  bool
}

type options struct {
	column      string
	controlName string
	colormap    string
	custom      Colormap
	colour      string
	caption     string
	maxLabels   int

	urbanCentre     *Layer
	showUrbanCentre bool
	point           *pointOptions
	overlay         *overlayOptions
}

type Option func(*options)

// WithColumn colours the primary layer by a property column.
func WithColumn(column string) Option {
	return func(o *options) {
		o.column = column
	}
}

// WithControlName sets the primary layer name shown in the layer control.
func WithControlName(name string) Option {
	return func(o *options) {
		o.controlName = name
	}
}

func WithColormap(name string) Option {
	return func(o *options) {
		o.colormap = name
	}
}

// WithStepColormap uses fixed colour stops instead of a range fitted to the data.
func WithStepColormap(colormap StepColormap) Option {
	return func(o *options) {
		o.custom = colormap
	}
}

func WithColour(colour string) Option {
	return func(o *options) {
		o.colour = colour
	}
}

func WithCaption(caption string) Option {
	return func(o *options) {
		o.caption = caption
	}
}

func WithMaxLabels(maxLabels int) Option {
	return func(o *options) {
		o.maxLabels = maxLabels
	}
}

// WithUrbanCentre outlines the urban centre boundary without fill.
func WithUrbanCentre(layer Layer, show bool) Option {
	return func(o *options) {
		o.urbanCentre = &layer
		o.showUrbanCentre = show
	}
}

// WithPoint adds a marker layer. Empty name and colour fall back to "POI" and red.
func WithPoint(point orb.Point, crs geo.CRS, show bool, name string, colour string) Option {
	return func(o *options) {
		if name == "" {
			name = PointLayerName
		}
		if colour == "" {
			colour = "red"
		}

		buffer := 0.0
		if o.point != nil {
			buffer = o.point.buffer
		}
		o.point = &pointOptions{point: point, crs: crs, show: show, name: name, colour: colour, buffer: buffer}
	}
}

// WithPointBuffer draws a dashed ring radius metres around the point.
func WithPointBuffer(radius float64) Option {
	return func(o *options) {
		if o.point == nil {
			o.point = &pointOptions{name: PointLayerName, colour: "red", crs: geo.WGS84}
		}
		o.point.buffer = radius
	}
}

func WithOverlay(layer Layer, name string, show bool) Option {
	return func(o *options) {
		if name == "" {
			name = OverlayLayerName
		}
		o.overlay = &overlayOptions{layer: layer, name: name, show: show}
	}
}

// Compose renders the primary layer and any optional layers into a map whose
// viewport covers every layer.
func Compose(layer Layer, opts ...Option) (*Map, error) {
	o := &options{
		colormap:        DefaultColormap,
		colour:          FixedColour,
		maxLabels:       DefaultMaxLabels,
		showUrbanCentre: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	if len(layer.Features) == 0 {
		return nil, fmt.Errorf("%s: %w", layer.Name, ErrEmptyLayer)
	}

	m := &Map{Tiles: append([]Tile(nil), baseTiles...)}

	primary, legend, err := renderPrimary(layer, o)
	if err != nil {
		return nil, err
	}
	m.Layers = append(m.Layers, *primary)
	m.Legend = legend

	if o.urbanCentre != nil {
		rendered, err := renderLayer(*o.urbanCentre, UrbanCentreLayerName, o.showUrbanCentre, func(map[string]interface{}) Style {
			return Style{Colour: UrbanCentreColour, Fill: false, Weight: 2}
		})
		if err != nil {
			return nil, fmt.Errorf("urban centre: %w", err)
		}
		m.Layers = append(m.Layers, *rendered)
	}

	if o.point != nil {
		point, err := geo.ReprojectPoint(o.point.point, o.point.crs, geo.WGS84)
		if err != nil {
			return nil, fmt.Errorf("point: %w", err)
		}

		fc := geojson.NewFeatureCollection()
		feature := geojson.NewFeature(point)
		feature.Properties[styleProperty] = Style{Colour: o.point.colour}
		fc.Append(feature)

		m.Layers = append(m.Layers, RenderedLayer{
			Name:   o.point.name,
			Show:   o.point.show,
			Marker: true,
			Data:   fc,
			Bound:  point.Bound(),
		})

		if o.point.buffer > 0 {
			ring := geo.Circle(point, o.point.buffer, geo.DefaultSegments)

			fc := geojson.NewFeatureCollection()
			feature := geojson.NewFeature(orb.LineString(ring))
			feature.Properties[styleProperty] = Style{Colour: o.point.colour, Weight: 2, DashArray: "5"}
			fc.Append(feature)

			m.Layers = append(m.Layers, RenderedLayer{
				Name:  BufferLayerName,
				Show:  o.point.show,
				Data:  fc,
				Bound: ring.Bound(),
			})
		}
	}

	if o.overlay != nil {
		rendered, err := renderLayer(o.overlay.layer, o.overlay.name, o.overlay.show, func(map[string]interface{}) Style {
			return Style{Colour: OverlayColour, FillColour: OverlayColour, Fill: true, FillOpacity: 0.5, Weight: 2}
		})
		if err != nil {
			return nil, fmt.Errorf("overlay: %w", err)
		}
		m.Layers = append(m.Layers, *rendered)
	}

	m.Bounds = m.Layers[0].Bound
	for _, rendered := range m.Layers[1:] {
		m.Bounds = m.Bounds.Union(rendered.Bound)
	}

	return m, nil
}

func renderPrimary(layer Layer, o *options) (*RenderedLayer, *Legend, error) {
	name := o.controlName
	if name == "" {
		name = o.column
	}
	if name == "" {
		name = layer.Name
	}

	if o.column == "" {
		rendered, err := renderLayer(layer, name, true, func(map[string]interface{}) Style {
			return Style{Colour: o.colour, FillColour: o.colour, Fill: true, FillOpacity: 0.5, Weight: 1}
		})
		return rendered, nil, err
	}

	properties, err := projectProperties(layer.Features)
	if err != nil {
		return nil, nil, err
	}

	colormap, value, err := buildColormap(properties, o)
	if err != nil {
		return nil, nil, err
	}

	rendered, err := renderLayer(layer, name, true, func(props map[string]interface{}) Style {
		colour := colormap.Colour(value(props))
		return Style{Colour: colour, FillColour: colour, Fill: true, FillOpacity: 0.5, Weight: 1}
	})
	if err != nil {
		return nil, nil, err
	}

	caption := o.caption
	if caption == "" {
		caption = o.column
	}

	return rendered, &Legend{Caption: caption, Ticks: colormap.Ticks(o.maxLabels)}, nil
}

// buildColormap picks a categorical colormap for string columns and a
// numeric one otherwise, returning how to read each feature's value.
func buildColormap(properties []map[string]interface{}, o *options) (Colormap, func(map[string]interface{}) float64, error) {
	var labels []string
	numeric := true
	for _, props := range properties {
		raw, exists := props[o.column]
		if !exists {
			return nil, nil, fmt.Errorf("column %q not present on every feature", o.column)
		}
		if s, isString := raw.(string); isString {
			numeric = false
			labels = append(labels, s)
		}
	}

	if !numeric {
		categorical := newCategoricalColormap(labels)
		index := map[string]float64{}
		for i, category := range categorical.categories {
			index[category] = float64(i)
		}

		return categorical, func(props map[string]interface{}) float64 {
			return index[fmt.Sprint(props[o.column])]
		}, nil
	}

	value := func(props map[string]interface{}) float64 {
		return toFloat(props[o.column])
	}

	if o.custom != nil {
		return o.custom, value, nil
	}

	min, max := math.Inf(1), math.Inf(-1)
	for _, props := range properties {
		v := value(props)
		if math.IsNaN(v) {
			continue
		}
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	if math.IsInf(min, 1) {
		min, max = 0, 0
	}

	colormap, err := NamedColormap(o.colormap, min, max)
	if err != nil {
		return nil, nil, err
	}

	return colormap, value, nil
}

func toFloat(raw interface{}) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case json.Number:
		f, _ := v.Float64()
		return f
	}

	return math.NaN()
}

func projectProperties(features []Feature) ([]map[string]interface{}, error) {
	projected := make([]map[string]interface{}, 0, len(features))

	for _, feature := range features {
		props := map[string]interface{}{}

		if feature.Properties != nil {
			marshalled, err := sheriff.Marshal(&sheriff.Options{Groups: []string{"map"}}, feature.Properties)
			if err != nil {
				return nil, err
			}
			if asMap, ok := marshalled.(map[string]interface{}); ok {
				props = asMap
			}
		}

		projected = append(projected, props)
	}

	return projected, nil
}

func renderLayer(layer Layer, name string, show bool, style func(map[string]interface{}) Style) (*RenderedLayer, error) {
	if len(layer.Features) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyLayer)
	}

	properties, err := projectProperties(layer.Features)
	if err != nil {
		return nil, err
	}

	crs := layer.CRS
	if crs == "" {
		crs = geo.WGS84
	}

	rendered := &RenderedLayer{Name: name, Show: show, Data: geojson.NewFeatureCollection()}

	for i, feature := range layer.Features {
		geometry, err := geo.Reproject(feature.Geometry, crs, geo.WGS84)
		if err != nil {
			return nil, err
		}

		if i == 0 {
			rendered.Bound = geometry.Bound()
		} else {
			rendered.Bound = rendered.Bound.Union(geometry.Bound())
		}

		out := geojson.NewFeature(geometry)
		for key, value := range properties[i] {
			out.Properties[key] = value
		}
		out.Properties[styleProperty] = style(properties[i])
		rendered.Data.Append(out)
	}

	return rendered, nil
}

// ControlEntries lists the names shown in the layer control, tiles first.
func (m *Map) ControlEntries() []string {
	entries := make([]string, 0, len(m.Tiles)+len(m.Layers))
	for _, tile := range m.Tiles {
		entries = append(entries, tile.Name)
	}
	for _, layer := range m.Layers {
		entries = append(entries, layer.Name)
	}

	return entries
}

// Layer returns the rendered layer with the given control name.
func (m *Map) Layer(name string) (*RenderedLayer, bool) {
	for i := range m.Layers {
		if m.Layers[i].Name == name {
			return &m.Layers[i], true
		}
	}

	return nil, false
}

// PropertyKeys lists the popup keys of a rendered layer in sorted order.
func (l *RenderedLayer) PropertyKeys() []string {
	keys := map[string]bool{}
	for _, feature := range l.Data.Features {
		for key := range feature.Properties {
			if key != styleProperty {
				keys[key] = true
			}
		}
	}

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	return sorted
}

// Save renders the map as a standalone HTML page, creating parent directories.
func (m *Map) Save(path string) error {
	var buffer bytes.Buffer
	if err := m.Render(&buffer); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, buffer.Bytes(), 0o644)
}
