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

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Human review queue",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval items, newest first",
	RunE:  runApprovalsList,
}

var approvalsShowCmd = &cobra.Command{
	Use:   "show [approval-id]",
	Short: "Show one approval item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiGet("/agents/approvals/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve [approval-id]",
	Short: "Approve an item and apply it downstream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], domain.ActionApprove)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject [approval-id]",
	Short: "Reject an item (--notes required)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], domain.ActionReject)
	},
}

var (
	approvalStatus   string
	approvalPriority string
	approvalAgent    string
	decisionNotes    string
)

func init() {
	approvalsCmd.AddCommand(approvalsListCmd, approvalsShowCmd, approvalsApproveCmd, approvalsRejectCmd)

	approvalsListCmd.Flags().StringVar(&approvalStatus, "status", "", "Filter by status (pending, approved, rejected)")
	approvalsListCmd.Flags().StringVar(&approvalPriority, "priority", "", "Filter by priority (low, normal, high, urgent)")
	approvalsListCmd.Flags().StringVar(&approvalAgent, "agent", "", "Filter by agent id")

	approvalsApproveCmd.Flags().StringVar(&decisionNotes, "notes", "", "Reviewer notes")
	approvalsRejectCmd.Flags().StringVar(&decisionNotes, "notes", "", "Rejection reason")
	approvalsRejectCmd.MarkFlagRequired("notes")
}

func approvalsQuery() string {
	q := url.Values{}
	if approvalStatus != "" {
		q.Set("status", approvalStatus)
	}
	if approvalPriority != "" {
		q.Set("priority", approvalPriority)
	}
	if approvalAgent != "" {
		q.Set("agentId", approvalAgent)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/agents/approvals" + approvalsQuery())
	if err != nil {
		return err
	}
	var list struct {
		Approvals    []domain.ApprovalItem           `json:"approvals"`
		StatusCounts map[domain.ApprovalStatus]int64 `json:"statusCounts"`
	}
	if err := json.Unmarshal(resp, &list); err != nil {
		return err
	}

	fmt.Printf("pending=%d approved=%d rejected=%d\n",
		list.StatusCounts[domain.StatusPending],
		list.StatusCounts[domain.StatusApproved],
		list.StatusCounts[domain.StatusRejected])
	if len(list.Approvals) == 0 {
		fmt.Println("No approvals found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tITEM\tSTATUS\tPRIORITY\tAGENT\tCREATED")
	for _, a := range list.Approvals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.ItemType, a.ItemID, a.Status, a.Priority, a.AgentID,
			a.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func decide(approvalID string, action domain.ApprovalAction) error {
	resp, err := apiPost("/agents/approvals", map[string]string{
		"approvalId": approvalID,
		"action":     string(action),
		"notes":      decisionNotes,
	})
	if err != nil {
		return err
	}
	var res domain.DecisionResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	fmt.Println(res.Message)
	return nil
}
