package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jarv/meshmap/internal/model"
)

func segmentRoute(ts float64) model.Route {
	return model.Route{
		Points:      []model.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
		PointIDs:    []string{"a", "b"},
		Mode:        model.RouteModePath,
		TS:          ts,
		PayloadType: payloadType(3),
		MessageHash: "H1",
	}
}

func TestRecord_SameSegmentTwiceCountsTwice(t *testing.T) {
	e, err := New(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	now := time.Unix(1000, 0)
	e.Record(segmentRoute(float64(now.Unix())), now)
	updated, removed := e.Record(segmentRoute(float64(now.Unix())), now)
	require.Empty(t, removed)
	require.Len(t, updated, 1)
	require.Equal(t, 2, updated[0].Count)
	require.Len(t, updated[0].Recent, 2)
}

func TestRecord_RecentRingBoundedBySampleLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.SampleLimit = 3
	e, err := New(cfg)
	require.NoError(t, err)
	defer e.Close()

	var updated []*model.HistoryEdge
	for i := 0; i < 5; i++ {
		now := time.Unix(int64(1000+i), 0)
		updated, _ = e.Record(segmentRoute(float64(now.Unix())), now)
	}
	require.Len(t, updated, 1)
	require.Equal(t, 5, updated[0].Count)
	require.Len(t, updated[0].Recent, 3)
	// Newest-first within the ring.
	require.Equal(t, float64(1004), updated[0].Recent[0].TS)
	require.Equal(t, float64(1002), updated[0].Recent[2].TS)
}

func TestLoad_ReplaysJournalIntoSameEdgeSet(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	e.Record(segmentRoute(float64(now.Unix())), now)
	e.Record(segmentRoute(float64(now.Unix())+1), now)
	before := e.Edges()
	require.NoError(t, e.Close())

	reloaded, err := New(cfg)
	require.NoError(t, err)
	defer reloaded.Close()
	require.NoError(t, reloaded.Load(now))

	after := reloaded.Edges()
	require.Len(t, after, len(before))
	require.Equal(t, before[0].ID, after[0].ID)
	require.Equal(t, before[0].Count, after[0].Count)
}

func TestLoad_GzipJournalRoundTrips(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gzip = true
	e, err := New(cfg)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	// Two Record calls produce two concatenated gzip members, which the
	// loader must read through transparently.
	e.Record(segmentRoute(float64(now.Unix())), now)
	e.Record(segmentRoute(float64(now.Unix())+1), now)
	require.NoError(t, e.Close())

	reloaded, err := New(cfg)
	require.NoError(t, err)
	defer reloaded.Close()
	require.NoError(t, reloaded.Load(now))

	edges := reloaded.Edges()
	require.Len(t, edges, 1)
	require.Equal(t, 2, edges[0].Count)
}
