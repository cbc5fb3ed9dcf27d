package polling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrigandi/soctalk/pkg/models"
)

type stubFetcher struct {
	alerts []models.Alert
	err    error
}

func (s *stubFetcher) FetchAlerts(context.Context) ([]models.Alert, error) {
	return s.alerts, s.err
}

func alert(id string, level int, agentID string, ts time.Time) models.Alert {
	return models.Alert{
		ID:        id,
		RuleLevel: level,
		Severity:  models.SeverityFromWazuhLevel(level),
		Source:    models.AlertSource{AgentID: agentID},
		Timestamp: ts,
	}
}

func TestPollerFiltersAndDeduplicates(t *testing.T) {
	now := time.Now()
	fetcher := &stubFetcher{alerts: []models.Alert{
		alert("a1", 10, "001", now),
		alert("a2", 2, "001", now), // below floor
		alert("a1", 10, "001", now), // duplicate
		alert("a3", 13, "002", now),
	}}
	p := NewPoller(fetcher, PollerOptions{MinRuleLevel: 4})

	accepted, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)

	// Second poll of the same window accepts nothing.
	accepted, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, accepted)
}

func TestPollerDrainSortsBySeverity(t *testing.T) {
	now := time.Now()
	fetcher := &stubFetcher{alerts: []models.Alert{
		alert("low", 5, "001", now),
		alert("crit", 14, "002", now),
		alert("high", 9, "003", now),
	}}
	p := NewPoller(fetcher, PollerOptions{MinRuleLevel: 4})
	_, err := p.Poll(context.Background())
	require.NoError(t, err)

	drained := p.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "crit", drained[0].ID)
	assert.Equal(t, "high", drained[1].ID)
	assert.Equal(t, "low", drained[2].ID)
	assert.Equal(t, 0, p.Buffered())
}

func TestPollerSeenSetTrimming(t *testing.T) {
	const capacity = 10
	p := NewPoller(&stubFetcher{}, PollerOptions{SeenCacheCapacity: capacity})
	for i := 0; i < capacity+1; i++ {
		p.markSeen(fmt.Sprintf("a%d", i))
	}
	assert.LessOrEqual(t, len(p.seen), capacity-capacity/2+1)
	// The oldest ids were forgotten, the newest survive.
	assert.False(t, p.seen["a0"])
	assert.True(t, p.seen[fmt.Sprintf("a%d", capacity)])
}

func TestPollerDrainReturnsBatchesFromHead(t *testing.T) {
	now := time.Now()
	fetcher := &stubFetcher{alerts: []models.Alert{
		alert("low", 5, "001", now),
		alert("crit", 14, "002", now),
		alert("mid", 7, "003", now),
	}}
	p := NewPoller(fetcher, PollerOptions{MinRuleLevel: 4, BatchSize: 2})
	_, err := p.Poll(context.Background())
	require.NoError(t, err)

	first := p.Drain()
	require.Len(t, first, 2)
	assert.Equal(t, "crit", first[0].ID)
	assert.Equal(t, "mid", first[1].ID)
	assert.Equal(t, 1, p.Buffered())

	second := p.Drain()
	require.Len(t, second, 1)
	assert.Equal(t, "low", second[0].ID)
	assert.Nil(t, p.Drain())
}

func TestPollerCapsFetchedWindow(t *testing.T) {
	now := time.Now()
	fetcher := &stubFetcher{alerts: []models.Alert{
		alert("a1", 10, "001", now),
		alert("a2", 10, "001", now),
		alert("a3", 10, "001", now),
	}}
	p := NewPoller(fetcher, PollerOptions{MinRuleLevel: 4, MaxAlertsPerPoll: 2})

	accepted, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.False(t, p.seen["a3"])
}

func TestCorrelationKeyPriority(t *testing.T) {
	withAgent := models.Alert{Source: models.AlertSource{AgentID: "007"}}
	assert.Equal(t, "agent:007", correlationKey(withAgent))

	withIP := models.Alert{Observables: []models.Observable{
		{Value: "203.0.113.9", Type: models.ObservableIP},
		{Value: "bad.example.com", Type: models.ObservableDomain},
	}}
	assert.Equal(t, "ip:203.0.113.9", correlationKey(withIP))

	withHash := models.Alert{Observables: []models.Observable{
		{Value: "deadbeef", Type: models.ObservableHashSHA256},
	}}
	assert.Equal(t, "hash:deadbeef", correlationKey(withHash))

	withDomain := models.Alert{Observables: []models.Observable{
		{Value: "bad.example.com", Type: models.ObservableDomain},
	}}
	assert.Equal(t, "domain:bad.example.com", correlationKey(withDomain))

	byRule := models.Alert{ID: "a1", RuleDescription: "Multiple authentication failures"}
	assert.Equal(t, "rulegroup:auth", correlationKey(byRule))

	standalone := models.Alert{ID: "a2", RuleDescription: "something else entirely"}
	assert.Equal(t, "alert:a2", correlationKey(standalone))
}

func TestRuleGroupPatternOrder(t *testing.T) {
	// "sysmon" outranks "web" even when both substrings appear.
	a := models.Alert{ID: "x", RuleDescription: "Sysmon web process event"}
	assert.Equal(t, "rulegroup:sysmon", correlationKey(a))
}

func TestCorrelateGroupsAndWindow(t *testing.T) {
	now := time.Now()
	c := NewCorrelator(15 * time.Minute)

	alerts := []models.Alert{
		alert("a1", 8, "001", now.Add(-30*time.Minute)), // stale for its group
		alert("a2", 8, "001", now.Add(-5*time.Minute)),
		alert("a3", 8, "001", now),
		alert("a4", 8, "002", now),
	}
	groups := c.Correlate(alerts)
	require.Len(t, groups, 2)

	byKey := make(map[string]Group)
	for _, g := range groups {
		byKey[g.Key] = g
	}
	require.Contains(t, byKey, "agent:001")
	require.Contains(t, byKey, "agent:002")

	g := byKey["agent:001"]
	require.Len(t, g.Alerts, 2)
	assert.Equal(t, "a2", g.Alerts[0].ID)
	assert.Equal(t, "a3", g.Alerts[1].ID)
}

func TestQueueSeverityOrdering(t *testing.T) {
	q := NewQueue(0)
	now := time.Now()

	require.True(t, q.Enqueue(Group{Key: "k1", Alerts: []models.Alert{alert("l", 5, "1", now)}}, "low one"))
	require.True(t, q.Enqueue(Group{Key: "k2", Alerts: []models.Alert{alert("c", 14, "2", now)}}, "critical one"))
	require.True(t, q.Enqueue(Group{Key: "k3", Alerts: []models.Alert{alert("h", 9, "3", now)}}, "high one"))

	g, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "k2", g.Key)
	g, _ = q.Dequeue()
	assert.Equal(t, "k3", g.Key)
	g, _ = q.Dequeue()
	assert.Equal(t, "k1", g.Key)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestQueueFIFOWithinSeverity(t *testing.T) {
	q := NewQueue(0)
	now := time.Now()
	q.Enqueue(Group{Key: "first", Alerts: []models.Alert{alert("a", 9, "1", now)}}, "t1")
	q.Enqueue(Group{Key: "second", Alerts: []models.Alert{alert("b", 9, "2", now)}}, "t2")

	g, _ := q.Dequeue()
	assert.Equal(t, "first", g.Key)
	g, _ = q.Dequeue()
	assert.Equal(t, "second", g.Key)
}

func TestQueueTitleSuppression(t *testing.T) {
	q := NewQueue(0)
	now := time.Now()
	g1 := Group{Key: "k1", Alerts: []models.Alert{alert("a", 9, "1", now)}}
	g2 := Group{Key: "k2", Alerts: []models.Alert{alert("b", 9, "2", now)}}

	assert.True(t, q.Enqueue(g1, "SSH brute force on web-01"))
	assert.False(t, q.Enqueue(g2, "SSH brute force on web-01"))
	assert.True(t, q.Enqueue(g2, "SSH brute force on web-02"))
	assert.Equal(t, 2, q.Len())
}

func TestQueueRejectsPendingKey(t *testing.T) {
	q := NewQueue(0)
	now := time.Now()
	g := Group{Key: "agent:001", Alerts: []models.Alert{alert("a", 9, "1", now)}}

	require.True(t, q.Enqueue(g, "t1"))
	assert.False(t, q.Enqueue(g, "t2"))

	// Once dequeued, the key may be queued again.
	_, ok := q.Dequeue()
	require.True(t, ok)
	assert.True(t, q.Enqueue(g, "t3"))
}

func TestQueueCapacityBound(t *testing.T) {
	q := NewQueue(2)
	now := time.Now()

	require.True(t, q.Enqueue(Group{Key: "k1", Alerts: []models.Alert{alert("a", 9, "1", now)}}, "t1"))
	require.True(t, q.Enqueue(Group{Key: "k2", Alerts: []models.Alert{alert("b", 9, "2", now)}}, "t2"))
	assert.False(t, q.Enqueue(Group{Key: "k3", Alerts: []models.Alert{alert("c", 14, "3", now)}}, "t3"))
	assert.Equal(t, 2, q.Len())

	// Draining frees capacity.
	_, ok := q.Dequeue()
	require.True(t, ok)
	assert.True(t, q.Enqueue(Group{Key: "k3", Alerts: []models.Alert{alert("c", 14, "3", now)}}, "t4"))
}

func TestQueueDequeueWait(t *testing.T) {
	q := NewQueue(0)

	_, ok := q.DequeueWait(10 * time.Millisecond)
	assert.False(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(Group{Key: "k1", Alerts: []models.Alert{alert("a", 9, "1", time.Now())}}, "t1")
	}()
	g, ok := q.DequeueWait(time.Second)
	require.True(t, ok)
	assert.Equal(t, "k1", g.Key)
}

func TestQueueEnqueueBatch(t *testing.T) {
	q := NewQueue(0)
	now := time.Now()
	groups := []Group{
		{Key: "k1", Alerts: []models.Alert{alert("a", 9, "1", now)}},
		{Key: "k1", Alerts: []models.Alert{alert("b", 9, "2", now)}},
		{Key: "k2", Alerts: []models.Alert{alert("c", 9, "3", now)}},
	}
	accepted := q.EnqueueBatch(groups, []string{"t1", "t2", "t3"})
	assert.Equal(t, 2, accepted)
}
