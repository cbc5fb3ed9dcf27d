package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gbrigandi/soctalk/pkg/graph"
	"github.com/gbrigandi/soctalk/pkg/models"
)

// SIEM exposes the host-forensics surface of the alert source.
type SIEM interface {
	AgentInfo(ctx context.Context, agentID string) (map[string]any, error)
	AgentVulnerabilities(ctx context.Context, agentID string) ([]map[string]any, error)
	AgentProcesses(ctx context.Context, agentID string) ([]map[string]any, error)
	AgentPorts(ctx context.Context, agentID string) ([]map[string]any, error)
}

// suspiciousProcessNames flags tooling that rarely belongs on a server.
var suspiciousProcessNames = []string{
	"nc", "ncat", "netcat", "socat",
	"mimikatz", "psexec", "lazagne",
	"xmrig", "minerd",
	"meterpreter", "msfconsole",
}

// commonPorts are listening ports that do not warrant a finding on their own.
var commonPorts = map[int]bool{
	22: true, 80: true, 443: true, 3306: true, 5432: true,
	6379: true, 8080: true, 8443: true, 9200: true,
}

// WazuhNode pulls host forensics for the agents behind the investigation's
// alerts and turns anomalies into findings.
type WazuhNode struct {
	siem SIEM
	log  *slog.Logger
}

// NewWazuhNode returns the investigation worker.
func NewWazuhNode(siem SIEM) *WazuhNode {
	return &WazuhNode{
		siem: siem,
		log:  slog.With("component", "node", "node", NodeWazuh),
	}
}

func (n *WazuhNode) Name() string { return NodeWazuh }

func (n *WazuhNode) Execute(ctx context.Context, st *models.State, rc *graph.RunConfig) error {
	inv := st.Investigation
	st.Touch()

	agents := make(map[string]string)
	for _, a := range inv.Alerts {
		if a.Source.AgentID != "" {
			agents[a.Source.AgentID] = a.Source.AgentName
		}
	}
	if len(agents) == 0 {
		n.log.Info("no agents to investigate", "investigation_id", inv.ID)
		return nil
	}

	guidance := strings.ToLower(st.InvestigationGuidance)
	for agentID, agentName := range agents {
		switch {
		case strings.Contains(guidance, "vuln"):
			n.checkVulnerabilities(ctx, st, agentID, agentName)
		case strings.Contains(guidance, "forensic"),
			strings.Contains(guidance, "process"),
			strings.Contains(guidance, "port"):
			n.checkProcesses(ctx, st, agentID, agentName)
			n.checkPorts(ctx, st, agentID, agentName)
		default:
			n.checkAgentContext(ctx, st, agentID, agentName)
			n.checkProcesses(ctx, st, agentID, agentName)
		}
	}

	st.ClearError()
	return nil
}

func (n *WazuhNode) checkAgentContext(ctx context.Context, st *models.State, agentID, agentName string) {
	info, err := n.siem.AgentInfo(ctx, agentID)
	if err != nil {
		st.RecordError(err)
		n.log.Warn("agent info lookup failed", "agent_id", agentID, "error", err)
		return
	}
	if status, _ := info["status"].(string); status != "" && status != "active" {
		st.Investigation.Findings = append(st.Investigation.Findings, models.Finding{
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("Agent %s (%s) is %s, telemetry from it may be stale", agentID, agentName, status),
			Source:      "wazuh",
		})
	}
}

func (n *WazuhNode) checkVulnerabilities(ctx context.Context, st *models.State, agentID, agentName string) {
	vulns, err := n.siem.AgentVulnerabilities(ctx, agentID)
	if err != nil {
		st.RecordError(err)
		n.log.Warn("vulnerability lookup failed", "agent_id", agentID, "error", err)
		return
	}
	critical := 0
	var cves []string
	for _, v := range vulns {
		severity, _ := v["severity"].(string)
		if !strings.EqualFold(severity, "critical") && !strings.EqualFold(severity, "high") {
			continue
		}
		critical++
		if cve, _ := v["cve"].(string); cve != "" && len(cves) < 5 {
			cves = append(cves, cve)
		}
	}
	if critical > 0 {
		st.Investigation.Findings = append(st.Investigation.Findings, models.Finding{
			Severity:    models.SeverityHigh,
			Description: fmt.Sprintf("Agent %s (%s) carries %d high or critical vulnerabilities", agentID, agentName, critical),
			Source:      "wazuh",
			Evidence:    cves,
		})
	}
}

func (n *WazuhNode) checkProcesses(ctx context.Context, st *models.State, agentID, agentName string) {
	procs, err := n.siem.AgentProcesses(ctx, agentID)
	if err != nil {
		st.RecordError(err)
		n.log.Warn("process listing failed", "agent_id", agentID, "error", err)
		return
	}
	for _, p := range procs {
		name, _ := p["name"].(string)
		if !isSuspiciousProcess(name) {
			continue
		}
		cmd, _ := p["cmd"].(string)
		st.Investigation.Findings = append(st.Investigation.Findings, models.Finding{
			Severity:    models.SeverityHigh,
			Description: fmt.Sprintf("Suspicious process %q running on agent %s (%s)", name, agentID, agentName),
			Source:      "wazuh",
			Evidence:    []string{cmd},
		})
	}
}

func (n *WazuhNode) checkPorts(ctx context.Context, st *models.State, agentID, agentName string) {
	ports, err := n.siem.AgentPorts(ctx, agentID)
	if err != nil {
		st.RecordError(err)
		n.log.Warn("port listing failed", "agent_id", agentID, "error", err)
		return
	}
	var unusual []string
	for _, p := range ports {
		state, _ := p["state"].(string)
		if state != "" && !strings.EqualFold(state, "listening") {
			continue
		}
		port := extractPort(p)
		if port <= 0 || commonPorts[port] || port >= 32768 {
			continue
		}
		process, _ := p["process"].(string)
		unusual = append(unusual, fmt.Sprintf("%d (%s)", port, process))
	}
	if len(unusual) > 0 {
		st.Investigation.Findings = append(st.Investigation.Findings, models.Finding{
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("Agent %s (%s) listens on %d unusual ports", agentID, agentName, len(unusual)),
			Source:      "wazuh",
			Evidence:    unusual,
		})
	}
}

func isSuspiciousProcess(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range suspiciousProcessNames {
		if name == s {
			return true
		}
	}
	return false
}

// extractPort digs the local port out of a syscollector port record.
func extractPort(record map[string]any) int {
	local, ok := record["local"].(map[string]any)
	if !ok {
		return 0
	}
	if port, ok := local["port"].(float64); ok {
		return int(port)
	}
	return 0
}
