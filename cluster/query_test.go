package cluster

import (
	"bytes"
	"log"
	"testing"
)

func bareQueryCluster(tags map[string]string) *Cluster {
	return &Cluster{
		config:      &Config{NodeName: "local", Tags: tags},
		logger:      log.New(bytes.NewBuffer(nil), "", 0),
		queryBuffer: make([]*queries, 32),
	}
}

func TestQueryParam_EncodeFilters_NodeAndTag(t *testing.T) {
	p := &QueryParam{
		FilterNodes: []string{"a", "b"},
		FilterTags:  map[string]string{"role": "^web$"},
	}
	filters, err := p.encodeFilters(false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(filters) != 2 {
		t.Fatalf("expected 2 encoded filters, got %d", len(filters))
	}
}

func TestShouldProcessQuery_NodeFilterMatch(t *testing.T) {
	c := bareQueryCluster(nil)

	filt, err := encodeFilter(filterNodeType, filterNode{"local", "other"}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	q := &messageQuery{Filters: [][]byte{filt}}
	if !c.shouldProcessQuery(q) {
		t.Fatalf("expected local node to match its own name in the filter")
	}
}

func TestShouldProcessQuery_NodeFilterNoMatch(t *testing.T) {
	c := bareQueryCluster(nil)

	filt, err := encodeFilter(filterNodeType, filterNode{"other"}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	q := &messageQuery{Filters: [][]byte{filt}}
	if c.shouldProcessQuery(q) {
		t.Fatalf("expected no match when local node is not in the filter list")
	}
}

func TestShouldProcessQuery_TagFilter(t *testing.T) {
	web := bareQueryCluster(map[string]string{"role": "web"})
	db := bareQueryCluster(map[string]string{"role": "db"})

	filt, err := encodeFilter(filterTagType, filterTag{Tag: "role", Expr: "^web$"}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	q := &messageQuery{Filters: [][]byte{filt}}

	if !web.shouldProcessQuery(q) {
		t.Fatalf("expected the web-tagged node to match")
	}
	if db.shouldProcessQuery(q) {
		t.Fatalf("expected the db-tagged node not to match")
	}
}

func TestShouldProcessQuery_UnknownFilterTypeRejected(t *testing.T) {
	c := bareQueryCluster(nil)
	q := &messageQuery{Filters: [][]byte{{0xFF}}}
	if c.shouldProcessQuery(q) {
		t.Fatalf("an unrecognized filter type must never match")
	}
}

func TestHandleQuery_DeduplicatesByID(t *testing.T) {
	c := bareQueryCluster(nil)
	q := &messageQuery{LTime: 1, ID: 42, Name: "ping"}

	if !c.handleQuery(q) {
		t.Fatalf("expected the first delivery to be processed/rebroadcast")
	}
	if c.handleQuery(q) {
		t.Fatalf("expected a duplicate (LTime, ID) to be rejected")
	}
}

func TestHandleQuery_DropsOlderThanBufferWindow(t *testing.T) {
	c := bareQueryCluster(nil)
	c.queryClock.Witness(100)
	q := &messageQuery{LTime: 50, ID: 1, Name: "old"}
	if c.handleQuery(q) {
		t.Fatalf("expected a query older than the buffer window to be dropped")
	}
}

func TestMedian_GrowsWithClusterSize(t *testing.T) {
	if median(1) > median(100) {
		t.Fatalf("expected median to be non-decreasing in cluster size")
	}
	if median(0) < 1 {
		t.Fatalf("expected a floor of 1 round even for an empty cluster")
	}
}
