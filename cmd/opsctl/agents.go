package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/xela07ax/advocacy-ops/internal/domain"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [agent-id]",
	Short: "Queue an agent run",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and switch agents",
}

var agentShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Show agent availability",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentEnableCmd = &cobra.Command{
	Use:   "enable [agent-id]",
	Short: "Enable an agent on all instances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentEnabled(args[0], true)
	},
}

var agentDisableCmd = &cobra.Command{
	Use:   "disable [agent-id]",
	Short: "Disable an agent on all instances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentEnabled(args[0], false)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show health of every agent",
	RunE:  runHealth,
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Circuit breaker administration",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status [agent-id]",
	Short: "Show circuit state of an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBreaker(args[0], "status")
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset [agent-id]",
	Short: "Force-close the circuit of an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBreaker(args[0], "reset")
	},
}

var (
	triggerInput string
	triggerBy    string
)

func init() {
	triggerCmd.Flags().StringVar(&triggerInput, "input", "", "inputData as JSON object")
	triggerCmd.Flags().StringVar(&triggerBy, "by", "", "triggeredBy (defaults to the token subject)")

	agentCmd.AddCommand(agentShowCmd, agentEnableCmd, agentDisableCmd)
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	body := map[string]any{"agentId": args[0]}
	if triggerBy != "" {
		body["triggeredBy"] = triggerBy
	}
	if triggerInput != "" {
		if !json.Valid([]byte(triggerInput)) {
			return fmt.Errorf("--input is not valid JSON")
		}
		body["inputData"] = json.RawMessage(triggerInput)
	}

	resp, err := apiPost("/agents/trigger", body)
	if err != nil {
		return err
	}
	var result struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Queued run %s (%s)\n", result.RunID, result.Status)
	return nil
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/agents/trigger?agentId=" + url.QueryEscape(args[0]))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func setAgentEnabled(agentID string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	resp, err := apiPost("/agents/admin/agents/"+url.PathEscape(agentID)+"/"+action, nil)
	if err != nil {
		return err
	}
	var info domain.AgentInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return err
	}
	fmt.Printf("Agent %s enabled=%t\n", info.ID, info.Enabled)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/agents/health")
	if err != nil {
		return err
	}
	var result struct {
		Agents []domain.AgentHealth `json:"agents"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tNAME\tHEALTH\tCIRCUIT\tFAILURES")
	for _, a := range result.Agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", a.AgentID, a.Name, a.Health, a.CircuitBreaker.State, a.CircuitBreaker.Failures)
	}
	return w.Flush()
}

func runBreaker(agentID, action string) error {
	resp, err := apiPost("/agents/admin/circuit-breaker", map[string]string{
		"agentId": agentID,
		"action":  action,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}
