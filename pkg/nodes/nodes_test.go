package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
)

type fakeCompleter struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeCompleter) Complete(_ context.Context, _, prompt string, _ float64, _ int) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

type fakeEnricher struct {
	calls    []string
	verdict  models.EnrichmentVerdict
	err      error
	failures int
}

func (f *fakeEnricher) Analyze(_ context.Context, analyzer string, o models.Observable) (models.EnrichmentResult, error) {
	f.calls = append(f.calls, analyzer+"/"+o.Key())
	if f.failures > 0 {
		f.failures--
		return models.EnrichmentResult{Observable: o, Analyzer: analyzer, Error: "analyzer busy"}, errors.New("analyzer busy")
	}
	if f.err != nil {
		return models.EnrichmentResult{Observable: o, Analyzer: analyzer, Error: f.err.Error()}, f.err
	}
	return models.EnrichmentResult{
		Observable: o, Analyzer: analyzer, Verdict: f.verdict, Confidence: 0.9,
	}, nil
}

type fakeSIEM struct {
	processes []map[string]any
	ports     []map[string]any
	vulns     []map[string]any
	calls     []string
}

func (f *fakeSIEM) AgentInfo(_ context.Context, agentID string) (map[string]any, error) {
	f.calls = append(f.calls, "info/"+agentID)
	return map[string]any{"id": agentID, "status": "active"}, nil
}

func (f *fakeSIEM) AgentVulnerabilities(_ context.Context, agentID string) ([]map[string]any, error) {
	f.calls = append(f.calls, "vulns/"+agentID)
	return f.vulns, nil
}

func (f *fakeSIEM) AgentProcesses(_ context.Context, agentID string) ([]map[string]any, error) {
	f.calls = append(f.calls, "processes/"+agentID)
	return f.processes, nil
}

func (f *fakeSIEM) AgentPorts(_ context.Context, agentID string) ([]map[string]any, error) {
	f.calls = append(f.calls, "ports/"+agentID)
	return f.ports, nil
}

type fakeIntel struct {
	context  *models.MISPContext
	findings []models.Finding
	checked  [][]models.Observable
}

func (f *fakeIntel) CheckIOCs(_ context.Context, observables []models.Observable) (*models.MISPContext, []models.Finding, error) {
	f.checked = append(f.checked, observables)
	return f.context, f.findings, nil
}

type fakeCases struct {
	caseID      string
	createErr   error
	created     []models.TheHiveCase
	observables []string
	iocFlags    map[string]bool
}

func (f *fakeCases) CreateCase(_ context.Context, tc models.TheHiveCase) (string, error) {
	f.created = append(f.created, tc)
	return f.caseID, f.createErr
}

func (f *fakeCases) AddObservable(_ context.Context, _ string, o models.Observable, malicious bool) error {
	if f.iocFlags == nil {
		f.iocFlags = make(map[string]bool)
	}
	f.observables = append(f.observables, o.Key())
	f.iocFlags[o.Key()] = malicious
	return nil
}

func newTestEmitter(t *testing.T) (*events.Emitter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "pgx")
	return events.NewEmitter(sqlxDB, eventstore.NewStore(), nil, "inv-1"), mock
}

func newTestState() *models.State {
	inv := &models.Investigation{
		ID:    "inv-1",
		Title: "SSH brute force followed by successful login",
		Alerts: []models.Alert{{
			ID: "a1", RuleID: "5710", RuleDescription: "SSH brute force",
			RuleLevel: 10, Severity: models.SeverityHigh,
			Source:  models.AlertSource{AgentID: "005", AgentName: "web-server"},
			RawText: "Failed password for root from 203.0.113.50",
		}},
	}
	inv.Alerts[0].ExtractObservables()
	return models.NewState(inv)
}

func TestSupervisorParsesDecision(t *testing.T) {
	completer := &fakeCompleter{
		response: `{"next_action": "CONTEXTUALIZE", "reasoning": "malicious IP found", "tp_confidence": 0.8, "guidance": "check the IP against known campaigns"}`,
	}
	node := NewSupervisorNode(completer, 10)
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	require.NotNil(t, st.SupervisorDecision)
	assert.Equal(t, models.ActionContextualize, st.SupervisorDecision.NextAction)
	assert.Equal(t, 0.8, st.SupervisorDecision.TPConfidence)
	assert.Equal(t, "check the IP against known campaigns", st.InvestigationGuidance)
	assert.Equal(t, 1, st.IterationCount)
	assert.Equal(t, NodeMISP, SupervisorRouter(st))
}

func TestSupervisorFallbackKeywordScan(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected models.SupervisorAction
	}{
		{"prose with verdict", "I believe we should render the VERDICT now.", models.ActionVerdict},
		{"verdict outranks enrich", "Either ENRICH more or go to VERDICT.", models.ActionVerdict},
		{"close keyword", "This looks benign, CLOSE it.", models.ActionClose},
		{"no keyword defaults to enrich", "I am not sure what to do.", models.ActionEnrich},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := NewSupervisorNode(&fakeCompleter{response: tt.response}, 10)
			st := newTestState()
			em, _ := newTestEmitter(t)

			require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
			require.NotNil(t, st.SupervisorDecision)
			assert.Equal(t, tt.expected, st.SupervisorDecision.NextAction)
			assert.Equal(t, 0.5, st.SupervisorDecision.TPConfidence)
		})
	}
}

func TestSupervisorCompleterErrorFallsBack(t *testing.T) {
	node := NewSupervisorNode(&fakeCompleter{err: errors.New("model unavailable")}, 10)
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	require.NotNil(t, st.SupervisorDecision)
	assert.Equal(t, models.ActionEnrich, st.SupervisorDecision.NextAction)
	assert.Equal(t, 1, st.ErrorCount)
}

func TestSupervisorIterationCapForcesVerdict(t *testing.T) {
	completer := &fakeCompleter{response: `{"next_action": "ENRICH", "tp_confidence": 0.4}`}
	node := NewSupervisorNode(completer, 10)
	st := newTestState()
	st.IterationCount = 10
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	require.NotNil(t, st.SupervisorDecision)
	assert.Equal(t, models.ActionVerdict, st.SupervisorDecision.NextAction)
	assert.Equal(t, 0.5, st.SupervisorDecision.TPConfidence)
	assert.Empty(t, completer.prompts, "model must not be consulted past the cap")
}

func TestSupervisorRouter(t *testing.T) {
	tests := []struct {
		action   models.SupervisorAction
		expected string
	}{
		{models.ActionInvestigate, NodeWazuh},
		{models.ActionEnrich, NodeCortex},
		{models.ActionContextualize, NodeMISP},
		{models.ActionVerdict, NodeVerdict},
		{models.ActionClose, NodeClose},
		{"BOGUS", NodeCortex},
	}
	for _, tt := range tests {
		st := &models.State{SupervisorDecision: &models.SupervisorDecision{NextAction: tt.action}}
		assert.Equal(t, tt.expected, SupervisorRouter(st), "action %s", tt.action)
	}
	assert.Equal(t, NodeCortex, SupervisorRouter(&models.State{}))
}

func TestCortexNodeEnrichesBatch(t *testing.T) {
	enricher := &fakeEnricher{verdict: models.VerdictMalicious}
	node := NewCortexNode(enricher)
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	assert.Equal(t, []string{"AbuseIPDB/ip:203.0.113.50"}, enricher.calls)
	require.Len(t, st.Investigation.Enrichments, 1)
	assert.Equal(t, models.VerdictMalicious, st.Investigation.Enrichments[0].Verdict)
	assert.Empty(t, st.PendingObservables)
	assert.Equal(t, models.PhaseAnalysis, st.CurrentPhase)
}

func TestCortexNodeSkipsPrivateIPs(t *testing.T) {
	enricher := &fakeEnricher{verdict: models.VerdictBenign}
	node := NewCortexNode(enricher)
	st := newTestState()
	st.Investigation.Alerts[0].Observables = []models.Observable{
		{Value: "10.0.0.5", Type: models.ObservableIP, Tags: []string{"private_ip", "internal"}},
		{Value: "198.51.100.7", Type: models.ObservableIP},
	}
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	assert.Equal(t, []string{"AbuseIPDB/ip:198.51.100.7"}, enricher.calls)
}

func TestCortexNodeBatchCap(t *testing.T) {
	enricher := &fakeEnricher{verdict: models.VerdictBenign}
	node := NewCortexNode(enricher)
	st := newTestState()

	var obs []models.Observable
	for i := 0; i < 15; i++ {
		obs = append(obs, models.Observable{
			Value: fmt.Sprintf("198.51.100.%d", i+1), Type: models.ObservableIP,
		})
	}
	st.Investigation.Alerts[0].Observables = obs
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	assert.Len(t, enricher.calls, enrichmentBatchSize)
	assert.Len(t, st.PendingObservables, 5)
}

func TestCortexNodeEnrichmentFailureKeepsPending(t *testing.T) {
	enricher := &fakeEnricher{err: errors.New("analyzer down")}
	node := NewCortexNode(enricher)
	node.retryDelay = 0
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	assert.Empty(t, st.Investigation.Enrichments)
	assert.Len(t, st.PendingObservables, 1)
	assert.Equal(t, 1, st.ErrorCount)
}

func TestCortexNodeRetriesTransientFailures(t *testing.T) {
	enricher := &fakeEnricher{verdict: models.VerdictMalicious, failures: 2}
	node := NewCortexNode(enricher)
	node.retryDelay = 0
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	assert.Len(t, enricher.calls, 3)
	require.Len(t, st.Investigation.Enrichments, 1)
	assert.Equal(t, models.VerdictMalicious, st.Investigation.Enrichments[0].Verdict)
	assert.Equal(t, 0, st.ErrorCount)
}

func TestCortexNodeRetryExhaustionRecordsFailure(t *testing.T) {
	enricher := &fakeEnricher{err: errors.New("analyzer down")}
	node := NewCortexNode(enricher)
	node.retryDelay = 0
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	assert.Len(t, enricher.calls, enrichMaxAttempts)
	assert.Empty(t, st.Investigation.Enrichments)
	assert.Equal(t, 1, st.ErrorCount)
}

func TestWazuhNodeFlagsSuspiciousProcesses(t *testing.T) {
	siem := &fakeSIEM{
		processes: []map[string]any{
			{"name": "nginx", "cmd": "nginx -g daemon"},
			{"name": "ncat", "cmd": "ncat -lvp 4444"},
		},
	}
	node := NewWazuhNode(siem)
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	require.Len(t, st.Investigation.Findings, 1)
	f := st.Investigation.Findings[0]
	assert.Equal(t, models.SeverityHigh, f.Severity)
	assert.Contains(t, f.Description, `"ncat"`)
	assert.Equal(t, []string{"ncat -lvp 4444"}, f.Evidence)
}

func TestWazuhNodeGuidanceDispatch(t *testing.T) {
	siem := &fakeSIEM{
		vulns: []map[string]any{
			{"cve": "CVE-2026-0001", "severity": "Critical"},
			{"cve": "CVE-2026-0002", "severity": "Low"},
		},
	}
	node := NewWazuhNode(siem)
	st := newTestState()
	st.InvestigationGuidance = "check for exploitable vulnerabilities on the host"
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	assert.Equal(t, []string{"vulns/005"}, siem.calls)
	require.Len(t, st.Investigation.Findings, 1)
	assert.Contains(t, st.Investigation.Findings[0].Description, "1 high or critical")
	assert.Equal(t, []string{"CVE-2026-0001"}, st.Investigation.Findings[0].Evidence)
}

func TestWazuhNodeUnusualPorts(t *testing.T) {
	siem := &fakeSIEM{
		ports: []map[string]any{
			{"state": "listening", "local": map[string]any{"port": float64(443)}, "process": "nginx"},
			{"state": "listening", "local": map[string]any{"port": float64(4444)}, "process": "nc"},
			{"state": "listening", "local": map[string]any{"port": float64(52001)}, "process": "chrome"},
		},
	}
	node := NewWazuhNode(siem)
	st := newTestState()
	st.InvestigationGuidance = "run forensics on the listening ports"
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	var portFinding *models.Finding
	for i := range st.Investigation.Findings {
		if strings.Contains(st.Investigation.Findings[i].Description, "unusual ports") {
			portFinding = &st.Investigation.Findings[i]
		}
	}
	require.NotNil(t, portFinding)
	assert.Equal(t, []string{"4444 (nc)"}, portFinding.Evidence)
}

func TestMISPNodeMergesContext(t *testing.T) {
	intel := &fakeIntel{
		context: &models.MISPContext{
			CheckedIOCs:  []string{"203.0.113.50"},
			Matches:      []map[string]any{{"value": "203.0.113.50", "type": "ip-dst", "event_id": "77", "to_ids": true}},
			ThreatActors: []string{"APT29"},
		},
		findings: []models.Finding{{Severity: models.SeverityHigh, Description: "IOC matched", Source: "misp"}},
	}
	node := NewMISPNode(intel)
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	require.NotNil(t, st.Investigation.MISPContext)
	assert.Equal(t, []string{"APT29"}, st.Investigation.MISPContext.ThreatActors)
	require.Len(t, st.Investigation.Findings, 1)

	// Second round must not re-check the same IOC.
	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	require.Len(t, intel.checked, 1)
}

func TestVerdictNodeParsesDecision(t *testing.T) {
	completer := &fakeCompleter{response: `Here is my judgement:
` + "```json" + `
{"decision": "escalate", "confidence": 0.85, "threat_assessment": "active intrusion", "evidence_strength": "strong", "urgency": "immediate"}
` + "```"}
	node := NewVerdictNode(completer)
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	require.NotNil(t, st.Verdict)
	assert.Equal(t, models.DecisionEscalate, st.Verdict.Decision)
	assert.Equal(t, models.EvidenceStrong, st.Verdict.EvidenceStrength)
	assert.Equal(t, models.UrgencyImmediate, st.Verdict.Urgency)
	assert.Equal(t, 0, st.VerdictRetryCount)
	assert.Equal(t, models.PhaseVerdict, st.CurrentPhase)
}

func TestVerdictNodeUnparseableFallsBackSafe(t *testing.T) {
	node := NewVerdictNode(&fakeCompleter{response: "I cannot decide."})
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	require.NotNil(t, st.Verdict)
	assert.Equal(t, models.DecisionNeedsMoreInfo, st.Verdict.Decision)
	assert.Equal(t, models.EvidenceWeak, st.Verdict.EvidenceStrength)
	assert.Equal(t, models.UrgencyRoutine, st.Verdict.Urgency)
	assert.Equal(t, 1, st.VerdictRetryCount)
}

func TestVerdictNodeErrorIncrementsRetry(t *testing.T) {
	node := NewVerdictNode(&fakeCompleter{err: errors.New("model timeout")})
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	require.NotNil(t, st.Verdict)
	assert.Equal(t, models.DecisionNeedsMoreInfo, st.Verdict.Decision)
	assert.Equal(t, 1, st.VerdictRetryCount)
}

func TestVerdictContextQuotesRedactedLogs(t *testing.T) {
	st := newTestState()
	st.Investigation.Alerts[0].RawText = "sudo session opened with password=SuperSecret99 from 203.0.113.50"

	prompt := buildVerdictContext(st)
	assert.Contains(t, prompt, "__MASKED_PASSWORD__")
	assert.Contains(t, prompt, "203.0.113.50", "indicators survive redaction")
	assert.NotContains(t, prompt, "SuperSecret99")
}

func TestVerdictRouter(t *testing.T) {
	router := VerdictRouter(2)

	st := &models.State{Verdict: &models.Verdict{Decision: models.DecisionEscalate}}
	assert.Equal(t, NodeHumanReview, router(st))

	st = &models.State{Verdict: &models.Verdict{Decision: models.DecisionClose}}
	assert.Equal(t, NodeClose, router(st))

	st = &models.State{Verdict: &models.Verdict{Decision: models.DecisionNeedsMoreInfo}, VerdictRetryCount: 1}
	assert.Equal(t, NodeSupervisor, router(st))

	st = &models.State{Verdict: &models.Verdict{Decision: models.DecisionNeedsMoreInfo}, VerdictRetryCount: 2}
	assert.Equal(t, NodeHumanReview, router(st))

	assert.Equal(t, NodeClose, router(&models.State{}))
}

type recordingNotifier struct {
	requests []events.HumanReviewRequestedPayload
	err      error
}

func (r *recordingNotifier) RequestReview(_ context.Context, _ string, p events.HumanReviewRequestedPayload) error {
	r.requests = append(r.requests, p)
	return r.err
}

func expectSingleEventCommit(mock sqlmock.Sqlmock, version int) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(version))
	mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestHumanReviewNodeRequestsAndSuspends(t *testing.T) {
	node := NewHumanReviewNode(0)
	notifier := &recordingNotifier{}
	st := newTestState()
	st.CurrentPhase = models.PhaseVerdict
	st.Verdict = &models.Verdict{
		Decision: models.DecisionEscalate, Confidence: 0.85,
		ThreatAssessment: "active intrusion",
	}
	em, mock := newTestEmitter(t)

	// One transaction for the buffered phase change, one for the request.
	expectSingleEventCommit(mock, 3)
	expectSingleEventCommit(mock, 4)

	err := node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em, Review: notifier})

	var intr *graph.InterruptError
	require.ErrorAs(t, err, &intr)
	assert.Equal(t, NodeHumanReview, intr.Interrupt.Node)
	assert.True(t, st.ReviewRequested)
	assert.Equal(t, models.PhaseHumanReview, st.CurrentPhase)

	require.Len(t, notifier.requests, 1)
	assert.Equal(t, models.DecisionEscalate, notifier.requests[0].VerdictDecision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHumanReviewNodeStampsDeadline(t *testing.T) {
	node := NewHumanReviewNode(30 * time.Minute)
	notifier := &recordingNotifier{}
	st := newTestState()
	st.CurrentPhase = models.PhaseHumanReview
	em, mock := newTestEmitter(t)

	expectSingleEventCommit(mock, 3)

	err := node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em, Review: notifier})

	var intr *graph.InterruptError
	require.ErrorAs(t, err, &intr)
	require.Len(t, notifier.requests, 1)
	expires := notifier.requests[0].ExpiresAt
	require.NotNil(t, expires)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), *expires, time.Minute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHumanReviewNodeDoesNotRepeatRequest(t *testing.T) {
	node := NewHumanReviewNode(0)
	notifier := &recordingNotifier{}
	st := newTestState()
	st.CurrentPhase = models.PhaseHumanReview
	st.ReviewRequested = true
	em, mock := newTestEmitter(t)

	err := node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em, Review: notifier})

	var intr *graph.InterruptError
	require.ErrorAs(t, err, &intr)
	assert.Empty(t, notifier.requests)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHumanReviewNodeConsumesDecision(t *testing.T) {
	node := NewHumanReviewNode(0)
	st := newTestState()
	st.ReviewRequested = true
	em, mock := newTestEmitter(t)

	rc := &graph.RunConfig{
		Emitter: em,
		Resume: &graph.ResumePayload{
			Decision: models.HumanApprove, Reviewer: "alice", Source: "chat",
			Feedback: "looks real, open a case",
		},
	}
	require.NoError(t, node.Execute(context.Background(), st, rc))

	assert.Equal(t, models.HumanApprove, st.HumanDecision)
	assert.Equal(t, "alice", st.Reviewer)
	assert.False(t, st.ReviewRequested)
	assert.Equal(t, NodeTheHive, HumanReviewRouter(st))

	// The chat decision lands in the event log on flush.
	expectSingleEventCommit(mock, 5)
	require.NoError(t, em.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHumanReviewNodeDashboardDecisionNotReEmitted(t *testing.T) {
	node := NewHumanReviewNode(0)
	st := newTestState()
	st.ReviewRequested = true
	em, mock := newTestEmitter(t)

	rc := &graph.RunConfig{
		Emitter: em,
		Resume:  &graph.ResumePayload{Decision: models.HumanReject, Reviewer: "bob", Source: "dashboard"},
	}
	require.NoError(t, node.Execute(context.Background(), st, rc))
	assert.Equal(t, models.HumanReject, st.HumanDecision)
	assert.Equal(t, NodeClose, HumanReviewRouter(st))

	// Nothing buffered: the dashboard endpoint already recorded the decision.
	require.NoError(t, em.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHumanReviewMoreInfoFeedbackBecomesGuidance(t *testing.T) {
	node := NewHumanReviewNode(0)
	st := newTestState()
	em, _ := newTestEmitter(t)

	rc := &graph.RunConfig{
		Emitter: em,
		Resume: &graph.ResumePayload{
			Decision: models.HumanMoreInfo, Feedback: "check the agent for persistence", Source: "chat",
		},
	}
	require.NoError(t, node.Execute(context.Background(), st, rc))
	assert.Equal(t, "check the agent for persistence", st.InvestigationGuidance)
	assert.Equal(t, NodeSupervisor, HumanReviewRouter(st))
}

func TestTheHiveNodeCreatesCaseWithObservables(t *testing.T) {
	cases := &fakeCases{caseID: "~123"}
	node := NewTheHiveNode(cases)
	st := newTestState()
	st.Investigation.Enrichments = []models.EnrichmentResult{{
		Observable: models.Observable{Value: "203.0.113.50", Type: models.ObservableIP},
		Verdict:    models.VerdictMalicious,
	}}
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))

	assert.Equal(t, "~123", st.Investigation.TheHiveCaseID)
	require.Len(t, cases.created, 1)
	assert.Equal(t, st.Investigation.Title, cases.created[0].Title)
	assert.True(t, cases.iocFlags["ip:203.0.113.50"])
	assert.Equal(t, models.PhaseEscalation, st.CurrentPhase)
}

func TestTheHiveNodeIdempotentOnExistingCase(t *testing.T) {
	cases := &fakeCases{caseID: "~999"}
	node := NewTheHiveNode(cases)
	st := newTestState()
	st.CurrentPhase = models.PhaseEscalation
	st.Investigation.TheHiveCaseID = "~123"
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	assert.Empty(t, cases.created)
	assert.Equal(t, "~123", st.Investigation.TheHiveCaseID)
}

func TestTheHiveNodeCreateFailureIsNotFatal(t *testing.T) {
	cases := &fakeCases{createErr: errors.New("hive down")}
	node := NewTheHiveNode(cases)
	st := newTestState()
	em, _ := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	assert.Empty(t, st.Investigation.TheHiveCaseID)
	assert.Equal(t, 1, st.ErrorCount)
}

func TestCloseNodeResolutionPriority(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*models.State)
		expected string
	}{
		{
			"human rejection wins over verdict",
			func(st *models.State) {
				st.HumanDecision = models.HumanReject
				st.Verdict = &models.Verdict{Decision: models.DecisionClose, ThreatAssessment: "noise"}
			},
			"Rejected by analyst during human review",
		},
		{
			"approval",
			func(st *models.State) { st.HumanDecision = models.HumanApprove },
			"Approved by analyst - incident created",
		},
		{
			"more info but closing",
			func(st *models.State) { st.HumanDecision = models.HumanMoreInfo },
			"Analyst requested more information but investigation closed",
		},
		{
			"ai verdict close",
			func(st *models.State) {
				st.Verdict = &models.Verdict{Decision: models.DecisionClose, ThreatAssessment: "scanner noise"}
			},
			"Closed by AI verdict - likely false positive: scanner noise",
		},
		{
			"supervisor close",
			func(st *models.State) {
				st.SupervisorDecision = &models.SupervisorDecision{NextAction: models.ActionClose}
			},
			"Closed by supervisor - insufficient evidence of threat",
		},
		{
			"default",
			func(*models.State) {},
			"Investigation completed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestState()
			tt.mutate(st)
			assert.Equal(t, tt.expected, buildResolution(st))
		})
	}
}

func TestCloseNodeTruncatesResolution(t *testing.T) {
	st := newTestState()
	st.Verdict = &models.Verdict{
		Decision:         models.DecisionClose,
		ThreatAssessment: strings.Repeat("benign scanner traffic from a known research network ", 10),
	}
	resolution := buildResolution(st)
	assert.Len(t, resolution, maxResolutionLen)
}

func TestCloseNodeEmitsClosure(t *testing.T) {
	node := NewCloseNode()
	st := newTestState()
	st.Verdict = &models.Verdict{Decision: models.DecisionClose}
	em, mock := newTestEmitter(t)

	require.NoError(t, node.Execute(context.Background(), st, &graph.RunConfig{Emitter: em}))
	assert.Equal(t, models.PhaseClosed, st.CurrentPhase)
	assert.False(t, st.Investigation.ClosedAt.IsZero())
	assert.NotEmpty(t, st.Investigation.Resolution)

	// Phase change plus closure land together on flush.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(7))
	mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, em.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
