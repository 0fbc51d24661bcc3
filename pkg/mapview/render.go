package mapview

import (
	"encoding/json"
	"html/template"
	"io"
)

var page = template.Must(template.New("map").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<style>
html, body, #map { height: 100%; margin: 0; }
.legend { background: white; padding: 6px 8px; font: 12px sans-serif; }
.legend i { display: inline-block; width: 14px; height: 14px; margin-right: 6px; vertical-align: middle; }
</style>
</head>
<body>
<div id="map"></div>
<script>
var view = {{.View}};
var map = L.map("map", {zoomControl: true});
L.control.scale().addTo(map);

var baseLayers = {};
view.tiles.forEach(function (tile) {
  var layer = L.tileLayer(tile.url, {attribution: tile.attribution});
  baseLayers[tile.name] = layer;
  if (tile.show) { layer.addTo(map); }
});

var overlays = {};
view.layers.forEach(function (entry) {
  var layer = L.geoJSON(entry.data, {
    style: function (feature) { return feature.properties.__style; },
    pointToLayer: function (feature, latlng) {
      var style = feature.properties.__style;
      return L.marker(latlng, {
        icon: L.divIcon({className: "", html: '<svg width="18" height="18"><circle cx="9" cy="9" r="7" fill="' + style.color + '" stroke="white" stroke-width="2"/></svg>'})
      });
    },
    onEachFeature: function (feature, layer) {
      var rows = Object.keys(feature.properties).filter(function (key) { return key !== "__style"; }).sort().map(function (key) {
        return "<tr><th>" + key + "</th><td>" + feature.properties[key] + "</td></tr>";
      });
      if (rows.length > 0) { layer.bindTooltip("<table>" + rows.join("") + "</table>"); }
    }
  });
  overlays[entry.name] = layer;
  if (entry.show) { layer.addTo(map); }
});

map.fitBounds([[view.bounds[0][1], view.bounds[0][0]], [view.bounds[1][1], view.bounds[1][0]]]);
L.control.layers(baseLayers, overlays).addTo(map);

if (view.legend) {
  var legend = L.control({position: "topright"});
  legend.onAdd = function () {
    var div = L.DomUtil.create("div", "legend");
    div.innerHTML = "<b>" + view.legend.caption + "</b><br>" + view.legend.ticks.map(function (tick) {
      return '<i style="background:' + tick.colour + '"></i>' + tick.label;
    }).join("<br>");
    return div;
  };
  legend.addTo(map);
}
</script>
</body>
</html>
`))

// Render writes the map as a standalone Leaflet page.
func (m *Map) Render(w io.Writer) error {
	view := struct {
		*Map
		BoundsArray [2][2]float64 `json:"bounds"`
	}{
		Map:         m,
		BoundsArray: [2][2]float64{{m.Bounds.Min[0], m.Bounds.Min[1]}, {m.Bounds.Max[0], m.Bounds.Max[1]}},
	}

	encoded, err := json.Marshal(view)
	if err != nil {
		return err
	}

	return page.Execute(w, map[string]interface{}{
		"View": template.JS(encoded),
	})
}
