package osm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/rs/zerolog"
)

const extract = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
 <node id="1" lat="51.58" lon="-3.00" version="1"/>
 <node id="2" lat="51.59" lon="-2.99" version="1"/>
 <node id="3" lat="52.50" lon="-2.00" version="1"/>
 <node id="4" lat="53.00" lon="-1.00" version="1"/>
 <node id="5" lat="53.01" lon="-1.01" version="1"/>
 <node id="6" lat="51.585" lon="-2.995" version="1">
  <tag k="public_transport" v="platform"/>
 </node>
 <way id="10" version="1">
  <nd ref="1"/>
  <nd ref="2"/>
  <nd ref="3"/>
  <tag k="highway" v="primary"/>
 </way>
 <way id="11" version="1">
  <nd ref="4"/>
  <nd ref="5"/>
  <tag k="highway" v="primary"/>
 </way>
 <way id="12" version="1">
  <nd ref="1"/>
  <nd ref="2"/>
  <tag k="building" v="yes"/>
 </way>
 <way id="13" version="1">
  <nd ref="1"/>
  <nd ref="2"/>
  <tag k="highway" v="service"/>
  <tag k="access" v="private"/>
 </way>
</osm>
`

func TestTagFilterMatch(t *testing.T) {
	filter, err := ParseTagFilter([]string{"highway=primary|service", "railway", "public_transport"}, `tags["access"] != "private"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		name string
		tags osm.Tags
		want bool
	}{
		{"allowed value", osm.Tags{{Key: "highway", Value: "primary"}}, true},
		{"other value", osm.Tags{{Key: "highway", Value: "footway"}}, false},
		{"key only rule", osm.Tags{{Key: "railway", Value: "rail"}}, true},
		{"expression rejects", osm.Tags{{Key: "highway", Value: "service"}, {Key: "access", Value: "private"}}, false},
		{"untagged", nil, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := filter.Match(test.tags); got != test.want {
				t.Fatalf("Match(%v) = %v, want %v", test.tags, got, test.want)
			}
		})
	}
}

func TestParseTagFilterErrors(t *testing.T) {
	for _, rules := range [][]string{nil, {"=primary"}, {"highway="}} {
		if _, err := ParseTagFilter(rules, ""); err == nil {
			t.Errorf("expected %v to be rejected", rules)
		}
	}

	if _, err := ParseTagFilter([]string{"highway"}, "tags["); err == nil {
		t.Error("expected a broken expression to be rejected")
	}
}

func TestFilterKeepsCompleteWays(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "sampletown.osm")
	if err := os.WriteFile(input, []byte(extract), 0o644); err != nil {
		t.Fatal(err)
	}

	tags, err := ParseTagFilter([]string{"highway", "public_transport"}, `tags["access"] != "private"`)
	if err != nil {
		t.Fatal(err)
	}

	output := filepath.Join(dir, "interim", "osm", "sampletown_filtered.osm")
	bbox := orb.Bound{Min: orb.Point{-3.1, 51.5}, Max: orb.Point{-2.9, 51.7}}

	filter := &Filter{Logger: zerolog.Nop()}
	stats, err := filter.Filter(context.Background(), input, output, bbox, tags)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}

	if stats.Ways != 1 || stats.Nodes != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	document, err := ReadXML(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}

	if len(document.Ways) != 1 || document.Ways[0].ID != 10 {
		t.Fatalf("unexpected ways %v", document.Ways)
	}

	ids := map[osm.NodeID]bool{}
	for _, node := range document.Nodes {
		ids[node.ID] = true
	}
	for _, id := range []osm.NodeID{1, 2, 3, 6} {
		if !ids[id] {
			t.Errorf("node %d missing from output", id)
		}
	}
}

func TestFilterRejectsUnknownFormat(t *testing.T) {
	tags, _ := ParseTagFilter([]string{"highway"}, "")
	filter := &Filter{Logger: zerolog.Nop()}

	_, err := filter.Filter(context.Background(), filepath.Join(t.TempDir(), "extract.shp"), filepath.Join(t.TempDir(), "out.osm"), orb.Bound{}, tags)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFilterRefusesPBFOutput(t *testing.T) {
	tags, _ := ParseTagFilter([]string{"highway"}, "")
	filter := &Filter{Logger: zerolog.Nop()}
	output := filepath.Join(t.TempDir(), "sampletown_filtered.osm.pbf")

	_, err := filter.Filter(context.Background(), filepath.Join(t.TempDir(), "sampletown.osm"), output, orb.Bound{}, tags)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatal("an XML document was written under a .pbf name")
	}
}
