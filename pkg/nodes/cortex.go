package nodes

import (
	"context"
	"log/slog"
	"time"

	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/integrations"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// enrichmentBatchSize caps how many observables one enrichment round runs.
const enrichmentBatchSize = 10

// Transient analyzer failures get a few tries before the failure event is
// recorded and the workflow moves on.
const (
	enrichMaxAttempts = 3
	enrichRetryDelay  = 2 * time.Second
)

// Enricher runs one observable through one analyzer.
type Enricher interface {
	Analyze(ctx context.Context, analyzer string, o models.Observable) (models.EnrichmentResult, error)
}

// CortexNode enriches pending observables through the analyzer engine.
type CortexNode struct {
	enricher   Enricher
	retryDelay time.Duration
	log        *slog.Logger
}

// NewCortexNode returns the enrichment worker.
func NewCortexNode(enricher Enricher) *CortexNode {
	return &CortexNode{
		enricher:   enricher,
		retryDelay: enrichRetryDelay,
		log:        slog.With("component", "node", "node", NodeCortex),
	}
}

func (n *CortexNode) Name() string { return NodeCortex }

func (n *CortexNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	inv := st.Investigation
	if st.CurrentPhase == models.PhaseTriage {
		rc.Emitter.PhaseChanged(st.CurrentPhase, models.PhaseEnrichment)
		st.CurrentPhase = models.PhaseEnrichment
	}

	batch := selectEnrichmentBatch(inv)
	st.CurrentBatch = batch
	st.PendingObservables = inv.PendingObservables()
	st.Touch()

	if len(batch) == 0 {
		n.log.Info("no enrichable observables pending", "investigation_id", inv.ID)
		return nil
	}

	counts := make(map[string]*analyzerTally)
	for _, o := range batch {
		for _, analyzer := range integrations.AnalyzerMap[o.Type] {
			tally := counts[analyzer]
			if tally == nil {
				tally = &analyzerTally{observableType: string(o.Type), started: time.Now()}
				counts[analyzer] = tally
				rc.Emitter.AnalyzerInvoked(analyzer, string(o.Type), len(batch))
			}

			rc.Emitter.EnrichmentRequested(o, analyzer)
			result, err := n.analyze(ctx, analyzer, o)
			if err != nil {
				tally.failed++
				st.RecordError(err)
				rc.Emitter.EnrichmentFailed(result)
				n.log.Warn("enrichment failed",
					"investigation_id", inv.ID, "analyzer", analyzer, "observable", o.Key(), "error", err)
				continue
			}
			tally.succeeded++
			inv.Enrichments = append(inv.Enrichments, result)
			rc.Emitter.EnrichmentCompleted(result)
		}
	}

	for analyzer, tally := range counts {
		rc.Emitter.AnalyzerCompleted(analyzer, tally.observableType,
			tally.succeeded, tally.failed, time.Since(tally.started))
	}

	st.PendingObservables = inv.PendingObservables()
	if len(st.PendingObservables) == 0 && st.CurrentPhase == models.PhaseEnrichment {
		rc.Emitter.PhaseChanged(st.CurrentPhase, models.PhaseAnalysis)
		st.CurrentPhase = models.PhaseAnalysis
	}
	return nil
}

// analyze calls the analyzer with a bounded retry on transient errors. On
// exhaustion the last failed result is returned so the caller can record
// the failure and continue.
func (n *CortexNode) analyze(ctx context.Context, analyzer string, o models.Observable) (models.EnrichmentResult, error) {
	var result models.EnrichmentResult
	var err error
	for attempt := 1; attempt <= enrichMaxAttempts; attempt++ {
		result, err = n.enricher.Analyze(ctx, analyzer, o)
		if err == nil || attempt == enrichMaxAttempts {
			return result, err
		}
		n.log.Warn("analyzer call failed, retrying",
			"analyzer", analyzer, "observable", o.Key(), "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(n.retryDelay):
		}
	}
	return result, err
}

type analyzerTally struct {
	observableType string
	succeeded      int
	failed         int
	started        time.Time
}

// selectEnrichmentBatch picks up to enrichmentBatchSize pending observables
// that an analyzer can act on. Internal addresses are skipped; reputation
// services have nothing useful to say about RFC 1918 space.
func selectEnrichmentBatch(inv *models.Investigation) []models.Observable {
	var batch []models.Observable
	for _, o := range inv.PendingObservables() {
		if len(batch) >= enrichmentBatchSize {
			break
		}
		if len(integrations.AnalyzerMap[o.Type]) == 0 {
			continue
		}
		if hasTag(o, "private_ip") {
			continue
		}
		batch = append(batch, o)
	}
	return batch
}

func hasTag(o models.Observable, tag string) bool {
	for _, t := range o.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
