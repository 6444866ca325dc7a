package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/xela07ax/advocacy-ops/internal/domain"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect agent runs",
}

var runsGetCmd = &cobra.Command{
	Use:   "get [run-id]",
	Short: "Show a run with its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiGet("/agents/runs/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel an in-flight run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/agents/runs/"+url.PathEscape(args[0])+"/cancel", nil); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for run %s\n", args[0])
		return nil
	},
}

var runsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow run progress (server-push stream)",
	RunE:  runWatch,
}

var (
	watchRun   string
	watchAgent string
)

func init() {
	runsCmd.AddCommand(runsGetCmd, runsCancelCmd, runsWatchCmd)

	runsWatchCmd.Flags().StringVar(&watchRun, "run", "", "Only frames of this run")
	runsWatchCmd.Flags().StringVar(&watchAgent, "agent", "", "Only frames of this agent")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := url.Values{}
	if watchRun != "" {
		q.Set("runId", watchRun)
	}
	if watchAgent != "" {
		q.Set("agentId", watchAgent)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiAddr, "/")+"/agents/stream?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	// Поток бесконечный, общий клиент с таймаутом не подходит
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode, Message: resp.Status}
	}

	return readFrames(resp.Body, func(msg domain.StreamMessage) {
		fmt.Printf("%s %-14s run=%s agent=%s %s\n",
			msg.Timestamp.Format("15:04:05"), msg.Type, msg.RunID, msg.AgentID, string(msg.Data))
	}, ctx.Err)
}

// readFrames разбирает SSE: "data: <json>" кадры, комментарии (keep-alive) пропускаются.
func readFrames(r io.Reader, fn func(domain.StreamMessage), done func() error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var msg domain.StreamMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		fn(msg)
	}
	if err := sc.Err(); err != nil && done() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return nil
}
