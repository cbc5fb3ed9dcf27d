// Package polling implements the alert intake pipeline: a SIEM poller that
// deduplicates and buffers new alerts, a correlator that groups related
// alerts, and a severity-ordered queue feeding the investigation workers.
package polling

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// Fetcher retrieves the current alert window from the SIEM.
type Fetcher interface {
	FetchAlerts(ctx context.Context) ([]models.Alert, error)
}

// severityOrder sorts alerts most-severe first.
var severityOrder = map[models.Severity]int{
	models.SeverityCritical: 0,
	models.SeverityHigh:     1,
	models.SeverityMedium:   2,
	models.SeverityLow:      3,
}

const (
	defaultMaxAlertsPerPoll  = 100
	defaultBatchSize         = 5
	defaultSeenCacheCapacity = 10000
)

// PollerOptions tune the intake side of the poller. Zero values fall back
// to the defaults above.
type PollerOptions struct {
	MinRuleLevel      int
	MaxAlertsPerPoll  int
	BatchSize         int
	SeenCacheCapacity int
}

func (o PollerOptions) withDefaults() PollerOptions {
	if o.MaxAlertsPerPoll <= 0 {
		o.MaxAlertsPerPoll = defaultMaxAlertsPerPoll
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.SeenCacheCapacity <= 0 {
		o.SeenCacheCapacity = defaultSeenCacheCapacity
	}
	return o
}

// Poller pulls alerts from the SIEM, drops ones already seen or below the
// rule-level floor, and buffers the rest for correlation. The buffer is
// kept sorted most-severe first so batch drains hand out the worst alerts
// before the queue fills up.
type Poller struct {
	fetcher Fetcher
	opts    PollerOptions
	log     *slog.Logger

	mu        sync.Mutex
	buffer    []models.Alert
	seen      map[string]bool
	seenOrder []string
}

// NewPoller returns a poller over the given alert source.
func NewPoller(fetcher Fetcher, opts PollerOptions) *Poller {
	return &Poller{
		fetcher: fetcher,
		opts:    opts.withDefaults(),
		log:     slog.With("component", "poller"),
		seen:    make(map[string]bool),
	}
}

// Poll fetches once and buffers the new alerts, returning how many were
// accepted.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	alerts, err := p.fetcher.FetchAlerts(ctx)
	if err != nil {
		return 0, err
	}
	if len(alerts) > p.opts.MaxAlertsPerPoll {
		alerts = alerts[:p.opts.MaxAlertsPerPoll]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	accepted := 0
	for _, a := range alerts {
		if a.RuleLevel < p.opts.MinRuleLevel {
			continue
		}
		if a.ID == "" || p.seen[a.ID] {
			continue
		}
		p.markSeen(a.ID)
		p.buffer = append(p.buffer, a)
		accepted++
	}
	if accepted > 0 {
		sort.SliceStable(p.buffer, func(i, j int) bool {
			return severityOrder[p.buffer[i].Severity] < severityOrder[p.buffer[j].Severity]
		})
		p.log.Info("buffered new alerts", "accepted", accepted, "fetched", len(alerts))
	}
	return accepted, nil
}

// markSeen records an alert id, trimming the oldest half when the set
// grows past its capacity.
func (p *Poller) markSeen(id string) {
	p.seen[id] = true
	p.seenOrder = append(p.seenOrder, id)
	if len(p.seenOrder) > p.opts.SeenCacheCapacity {
		trim := p.opts.SeenCacheCapacity / 2
		for _, old := range p.seenOrder[:trim] {
			delete(p.seen, old)
		}
		p.seenOrder = append([]string(nil), p.seenOrder[trim:]...)
	}
}

// Drain removes and returns up to one batch of alerts from the buffer
// head. The buffer is severity-sorted, so the batch is the most severe
// work pending.
func (p *Poller) Drain() []models.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.opts.BatchSize
	if n > len(p.buffer) {
		n = len(p.buffer)
	}
	if n == 0 {
		return nil
	}
	out := append([]models.Alert(nil), p.buffer[:n]...)
	p.buffer = p.buffer[n:]
	return out
}

// Buffered reports how many alerts await correlation.
func (p *Poller) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
