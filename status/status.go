// Package status summarizes replication progress: how far the log and each
// index have advanced, every known feed's chain head, and how completely
// the feeds related to the local identity are synchronized.
package status

import (
	"context"

	"github.com/louisbranch/tidepool/feedlog"
	"github.com/louisbranch/tidepool/indexes"
	"github.com/louisbranch/tidepool/indexes/baseidx"
	"github.com/louisbranch/tidepool/message"
)

// DefaultMaxHops bounds the follow-graph walk.
const DefaultMaxHops = 3

// Marker records what subset of a feed a replication peer has delivered.
type Marker struct {
	Full     bool `json:"full"`
	Profile  bool `json:"profile"`
	Contacts bool `json:"contacts"`
	Messages bool `json:"messages"`
}

// MarkerSource supplies per-feed partial-sync markers. Replication plumbing
// owns the markers; the database only reads them.
type MarkerSource interface {
	Marker(ctx context.Context, feed message.FeedID) (Marker, bool, error)
}

// MarkerMap is a static MarkerSource.
type MarkerMap map[message.FeedID]Marker

// Marker implements MarkerSource.
func (m MarkerMap) Marker(ctx context.Context, feed message.FeedID) (Marker, bool, error) {
	marker, ok := m[feed]
	return marker, ok, nil
}

// Partial counts replication coverage across the local social graph.
// Direct follows are expected to replicate fully; feeds further out are
// tracked by which subsets have arrived.
type Partial struct {
	TotalFull      int `json:"totalFull"`
	FullSynced     int `json:"fullSynced"`
	TotalPartial   int `json:"totalPartial"`
	ProfilesSynced int `json:"profilesSynced"`
	ContactsSynced int `json:"contactsSynced"`
	MessagesSynced int `json:"messagesSynced"`
}

// Report is one point-in-time summary. Derived on demand, never persisted.
type Report struct {
	LogSeq  uint64                    `json:"logSeq"`
	Indexes map[string]uint64         `json:"indexes"`
	Feeds   map[message.FeedID]uint64 `json:"feeds"`
	Partial Partial                   `json:"partial"`
}

// Aggregator joins the contact graph with partial-sync markers. Read-only.
type Aggregator struct {
	Self     message.FeedID
	Base     *baseidx.Index
	Log      feedlog.Log
	Registry *indexes.Registry
	Markers  MarkerSource
	MaxHops  int
}

// Report builds the current summary.
func (a *Aggregator) Report(ctx context.Context) (*Report, error) {
	rep := &Report{
		LogSeq:  a.Log.LastSeq(),
		Indexes: make(map[string]uint64),
		Feeds:   make(map[message.FeedID]uint64),
	}

	for _, name := range a.Registry.Names() {
		if r, ok := a.Registry.Runner(name); ok {
			rep.Indexes[name] = r.Watermark()
		}
	}

	heads, err := a.Base.Heads(ctx)
	if err != nil {
		return nil, err
	}
	for author, head := range heads {
		rep.Feeds[author] = head.Sequence
	}

	maxHops := a.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	hops, err := a.Base.Hops(ctx, a.Self, maxHops)
	if err != nil {
		return nil, err
	}

	for feed, hop := range hops {
		var marker Marker
		var known bool
		if a.Markers != nil {
			marker, known, err = a.Markers.Marker(ctx, feed)
			if err != nil {
				return nil, err
			}
		}

		if hop == 1 {
			rep.Partial.TotalFull++
			if known && marker.Full {
				rep.Partial.FullSynced++
			}
			continue
		}

		rep.Partial.TotalPartial++
		if !known {
			continue
		}
		if marker.Profile {
			rep.Partial.ProfilesSynced++
		}
		if marker.Contacts {
			rep.Partial.ContactsSynced++
		}
		if marker.Messages {
			rep.Partial.MessagesSynced++
		}
	}
	return rep, nil
}
