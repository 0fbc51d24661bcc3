package gtfs

import (
	"github.com/paulmach/orb"
)

// StopView is a read only row of the combined stops of every feed, tagged with
// the feed it came from.
type StopView struct {
	Feed  string    `json:"feed_name" groups:"map"`
	ID    string    `json:"stop_id" groups:"map"`
	Name  string    `json:"stop_name" groups:"map"`
	Point orb.Point `json:"-"`
}

// StopsView lists the located stops of every feed without copying the feeds.
func (s *FeedSet) StopsView() []StopView {
	var view []StopView
	for _, feed := range s.Feeds {
		for _, stop := range feed.Stops {
			if stop.Latitude == 0 && stop.Longitude == 0 {
				continue
			}
			view = append(view, StopView{
				Feed:  feed.Name,
				ID:    stop.ID,
				Name:  stop.Name,
				Point: orb.Point{stop.Longitude, stop.Latitude},
			})
		}
	}

	return view
}
