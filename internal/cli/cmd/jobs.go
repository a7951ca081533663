package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"unimanager/internal/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run the periodic jobs: billing, sweep, health",
}

var jobsRunCmd = &cobra.Command{
	Use:       "run [billing|sweep|health]",
	Short:     "Run a job once in this process against the local database",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{scheduler.JobBilling, scheduler.JobSweep, scheduler.JobHealth},
	Run: func(cmd *cobra.Command, args []string) {
		report, err := Engine().Scheduler.Trigger(context.Background(), args[0])
		if err != nil {
			fatalf("Error running %s: %v", args[0], err)
		}
		printReport(args[0], report)
	},
}

var jobsTriggerCmd = &cobra.Command{
	Use:       "trigger [billing|sweep|health]",
	Short:     "Ask the running daemon to run a job now",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{scheduler.JobBilling, scheduler.JobSweep, scheduler.JobHealth},
	Run: func(cmd *cobra.Command, args []string) {
		report, err := Client.RunJob(args[0])
		if err != nil {
			fatalf("Error: %v", err)
		}
		printReport(args[0], report)
	},
}

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit events from the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		handleAudit(auditLimit)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the daemon's live audit feed",
	Run: func(cmd *cobra.Command, args []string) {
		handleEvents()
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Number of events")
	jobsCmd.AddCommand(jobsRunCmd, jobsTriggerCmd)
	RootCmd.AddCommand(jobsCmd, auditCmd, eventsCmd)
}

func printReport(job string, report any) {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fatalf("Error encoding report: %v", err)
	}
	fmt.Printf("%s finished:\n%s\n", job, out)
}

func handleAudit(limit int) {
	logs, err := Client.AuditLogs(limit)
	if err != nil {
		fatalf("Error: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tUSER\tVM\tSERVER")
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.CreatedAt.Format(time.RFC3339), l.Action, dash(l.ActorID), dash(l.UserID), dash(l.VMID), dash(l.ServerID))
	}
	w.Flush()
}

func handleEvents() {
	wsURL, err := Client.EventsURL()
	if err != nil {
		fatalf("Error parsing base URL: %v", err)
	}

	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fatalf("Error connecting to %s: %v", Client.BaseURL(), err)
	}
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				return
			}
			var ev struct {
				Action  string         `json:"action"`
				VMID    string         `json:"vm_id"`
				UserID  string         `json:"user_id"`
				Details map[string]any `json:"details"`
				At      time.Time      `json:"timestamp"`
			}
			if err := json.Unmarshal(message, &ev); err != nil {
				fmt.Println(string(message))
				continue
			}
			parts := []string{ev.At.Format(time.RFC3339), ev.Action}
			if ev.UserID != "" {
				parts = append(parts, "user="+ev.UserID)
			}
			if ev.VMID != "" {
				parts = append(parts, "vm="+ev.VMID)
			}
			for k, v := range ev.Details {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			fmt.Println(strings.Join(parts, " "))
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
		fmt.Println("Connection closed by the daemon.")
	case <-interrupt:
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
