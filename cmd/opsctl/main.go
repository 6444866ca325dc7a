package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "opsctl",
	Short: "opsctl - консоль операторов агентов",
	Long: `opsctl управляет агентами через Console API: запуски, предохранители,
рубильник агентов и очередь ручной проверки.`,
	SilenceUsage: true,
	// Без RunE показывает справку
}

var (
	apiAddr  string
	apiToken string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "url", envOr("OPSCTL_URL", "http://127.0.0.1:8000"), "Console API address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("OPSCTL_TOKEN"), "Bearer token (RS256)")

	rootCmd.AddCommand(triggerCmd, agentCmd, healthCmd, breakerCmd, approvalsCmd, runsCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
