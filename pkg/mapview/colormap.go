package mapview

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
)

// Colormap turns a column value into a hex colour.
type Colormap interface {
	Colour(value float64) string
	// Ticks returns at most maxLabels legend entries.
	Ticks(maxLabels int) []LegendTick
}

type LegendTick struct {
	Label  string `json:"label"`
	Colour string `json:"colour"`
}

var namedColormaps = map[string][]string{
	"viridis": {"#440154", "#482878", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"},
	"magma":   {"#000004", "#180f3d", "#440f76", "#721f81", "#9e2f7f", "#cd4071", "#f1605d", "#fd9668", "#feca8d", "#fcfdbf"},
	"plasma":  {"#0d0887", "#46039f", "#7201a8", "#9c179e", "#bd3786", "#d8576b", "#ed7953", "#fb9f3a", "#fdca26", "#f0f921"},
	"cividis": {"#00224e", "#123570", "#3b496c", "#575d6d", "#707173", "#8a8779", "#a69d75", "#c4b56c", "#e4cf5b", "#fee838"},
}

var categoricalPalette = []string{"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd", "#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf"}

// LinearColormap blends evenly spaced colour stops between Min and Max in Lab space.
type LinearColormap struct {
	Stops []colorful.Color
	Min   float64
	Max   float64
}

// NamedColormap resolves names such as "viridis" or "viridis_r".
func NamedColormap(name string, min float64, max float64) (*LinearColormap, error) {
	reversed := false
	base := name
	if len(name) > 2 && name[len(name)-2:] == "_r" {
		reversed = true
		base = name[:len(name)-2]
	}

	hexes, exists := namedColormaps[base]
	if !exists {
		return nil, fmt.Errorf("unknown colormap %q", name)
	}

	stops := make([]colorful.Color, 0, len(hexes))
	for _, hex := range hexes {
		colour, err := colorful.Hex(hex)
		if err != nil {
			return nil, err
		}
		stops = append(stops, colour)
	}
	if reversed {
		for i, j := 0, len(stops)-1; i < j; i, j = i+1, j-1 {
			stops[i], stops[j] = stops[j], stops[i]
		}
	}

	return &LinearColormap{Stops: stops, Min: min, Max: max}, nil
}

func (c *LinearColormap) Colour(value float64) string {
	if len(c.Stops) == 0 {
		return FixedColour
	}
	if math.IsNaN(value) {
		return NoDataColour
	}
	if len(c.Stops) == 1 || c.Max <= c.Min {
		return c.Stops[0].Hex()
	}

	t := (value - c.Min) / (c.Max - c.Min)
	t = math.Max(0, math.Min(1, t))

	position := t * float64(len(c.Stops)-1)
	i := int(math.Floor(position))
	if i >= len(c.Stops)-1 {
		return c.Stops[len(c.Stops)-1].Hex()
	}

	return c.Stops[i].BlendLab(c.Stops[i+1], position-float64(i)).Clamped().Hex()
}

func (c *LinearColormap) Ticks(maxLabels int) []LegendTick {
	if maxLabels < 2 || c.Max <= c.Min {
		return []LegendTick{{Label: formatValue(c.Min), Colour: c.Colour(c.Min)}}
	}

	ticks := make([]LegendTick, 0, maxLabels)
	for i := 0; i < maxLabels; i++ {
		value := c.Min + (c.Max-c.Min)*float64(i)/float64(maxLabels-1)
		ticks = append(ticks, LegendTick{Label: formatValue(value), Colour: c.Colour(value)})
	}

	return ticks
}

// StepColormap colours each value by the interval of Index it falls in.
// Index has one more entry than Colours.
type StepColormap struct {
	Colours []string
	Index   []float64
}

// PerformanceStops spans the full 0 to 100 percent range so maps from
// different runs share one scale. Bands run in viridis order, matching the
// continuous performance map.
var PerformanceStops = StepColormap{
	Colours: namedColormaps["viridis"],
	Index:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
}

func (c StepColormap) Colour(value float64) string {
	if len(c.Colours) == 0 {
		return FixedColour
	}
	if math.IsNaN(value) {
		return NoDataColour
	}

	i := sort.SearchFloat64s(c.Index, value)
	if i < len(c.Index) && c.Index[i] == value {
		i++
	}
	i--

	switch {
	case i < 0:
		i = 0
	case i >= len(c.Colours):
		i = len(c.Colours) - 1
	}

	return c.Colours[i]
}

// Ticks labels every step-th band boundary and always ends on the last
// boundary so the top of the scale is named.
func (c StepColormap) Ticks(maxLabels int) []LegendTick {
	if len(c.Colours) == 0 {
		return nil
	}

	last := len(c.Index) - 1
	step := 1
	if maxLabels > 1 && last+1 > maxLabels {
		step = int(math.Ceil(float64(last) / float64(maxLabels-1)))
	}

	var ticks []LegendTick
	for i := 0; i < last; i += step {
		ticks = append(ticks, LegendTick{Label: formatValue(c.Index[i]), Colour: c.Colours[i]})
	}
	ticks = append(ticks, LegendTick{Label: formatValue(c.Index[last]), Colour: c.Colours[len(c.Colours)-1]})

	return ticks
}

// categoricalColormap assigns palette colours to sorted category names.
type categoricalColormap struct {
	categories []string
}

func newCategoricalColormap(values []string) *categoricalColormap {
	seen := map[string]bool{}
	var categories []string
	for _, value := range values {
		if !seen[value] {
			seen[value] = true
			categories = append(categories, value)
		}
	}
	sort.Strings(categories)

	return &categoricalColormap{categories: categories}
}

func (c *categoricalColormap) category(value string) string {
	i := sort.SearchStrings(c.categories, value)
	if i >= len(c.categories) || c.categories[i] != value {
		return FixedColour
	}

	return categoricalPalette[i%len(categoricalPalette)]
}

func (c *categoricalColormap) Colour(value float64) string {
	i := int(value)
	if i < 0 || i >= len(c.categories) {
		return FixedColour
	}

	return categoricalPalette[i%len(categoricalPalette)]
}

func (c *categoricalColormap) Ticks(maxLabels int) []LegendTick {
	var ticks []LegendTick
	for i, category := range c.categories {
		if maxLabels > 0 && i >= maxLabels {
			break
		}
		ticks = append(ticks, LegendTick{Label: category, Colour: categoricalPalette[i%len(categoricalPalette)]})
	}

	return ticks
}

func formatValue(value float64) string {
	if value == math.Trunc(value) && math.Abs(value) < 1e15 {
		return strconv.FormatInt(int64(value), 10)
	}

	return strconv.FormatFloat(value, 'f', 2, 64)
}
