package nodes

import (
	"time"

	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/llm"
)

// Deps are the external services the workflow nodes call.
type Deps struct {
	Fast      llm.Completer
	Reasoning llm.Completer
	SIEM      SIEM
	Enricher  Enricher
	Intel     ThreatIntel
	Cases     CaseManager

	// ReviewTimeout bounds each human review; zero means reviews never
	// expire.
	ReviewTimeout time.Duration
}

// Build wires the investigation workflow: the supervisor loop over the
// three evidence workers, the verdict, and the review/escalate/close tail.
func Build(deps Deps, wf config.WorkflowConfig, checkpointer graph.Checkpointer) *graph.Engine {
	engine := graph.NewEngine(NodeSupervisor, checkpointer)

	engine.AddNode(NewSupervisorNode(deps.Fast, wf.MaxIterations))
	engine.AddNode(NewWazuhNode(deps.SIEM))
	engine.AddNode(NewCortexNode(deps.Enricher))
	engine.AddNode(NewMISPNode(deps.Intel))
	engine.AddNode(NewVerdictNode(deps.Reasoning))
	engine.AddNode(NewHumanReviewNode(deps.ReviewTimeout))
	engine.AddNode(NewTheHiveNode(deps.Cases))
	engine.AddNode(NewCloseNode())

	engine.AddConditionalEdge(NodeSupervisor, SupervisorRouter)
	engine.AddEdge(NodeWazuh, NodeSupervisor)
	engine.AddEdge(NodeCortex, NodeSupervisor)
	engine.AddEdge(NodeMISP, NodeSupervisor)
	engine.AddConditionalEdge(NodeVerdict, VerdictRouter(wf.MaxVerdictRetry))
	engine.AddConditionalEdge(NodeHumanReview, HumanReviewRouter)
	engine.AddEdge(NodeTheHive, NodeClose)
	engine.AddEdge(NodeClose, graph.End)

	return engine
}
