package admin

import (
	"fmt"
	"time"

	"github.com/gorilla/feeds"
)

// incidentsFeed renders the most recent incidents as an Atom feed,
// letting operators subscribe with a feed reader instead of polling.
func incidentsFeed(baseURL string, entries []incident) (string, error) {
	now := time.Now()
	feed := &feeds.Feed{
		Title:   "Dispatch rejected-transaction incidents",
		Link:    &feeds.Link{Href: baseURL + "/incidents.atom"},
		Created: now,
	}

	for _, inc := range entries {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      inc.ContextID,
			Title:   fmt.Sprintf("Invalid: %s", inc.ContextID),
			Link:    &feeds.Link{Href: baseURL + "/registry"},
			Content: inc.ErrorMessage,
			Created: inc.ObservedAt,
		})
	}

	return feed.ToAtom()
}
