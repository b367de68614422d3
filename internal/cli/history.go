package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/codeclaw/internal/config"
	"github.com/KafClaw/codeclaw/internal/timeline"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled tool calls and approvals",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().String("scheduler", "", "Only show calls of this scheduler (root or <agent>-<uuid>)")
	historyCmd.Flags().Int("limit", 20, "Maximum number of calls to show")
	historyCmd.Flags().Bool("approvals", false, "Show confirmation requests instead of tool calls")
	historyCmd.Flags().String("status", "", "Filter approvals by status (pending, proceed_once, cancel, ...)")
	historyCmd.Flags().Bool("json", false, "Output machine-readable JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	schedulerID, _ := cmd.Flags().GetString("scheduler")
	limit, _ := cmd.Flags().GetInt("limit")
	approvals, _ := cmd.Flags().GetBool("approvals")
	status, _ := cmd.Flags().GetString("status")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := os.Stat(cfg.Timeline.DBPath); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No timeline recorded yet.")
			return nil
		}
		return err
	}
	svc, err := timeline.NewTimelineService(cfg.Timeline.DBPath)
	if err != nil {
		return err
	}
	defer svc.Close()

	if approvals {
		recs, err := svc.ListApprovals(strings.TrimSpace(status))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), recs)
		}
		printApprovals(cmd.OutOrStdout(), recs)
		return nil
	}

	recs, err := svc.ListToolCalls(strings.TrimSpace(schedulerID), limit)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), recs)
	}
	printToolCalls(cmd.OutOrStdout(), recs)
	return nil
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func printToolCalls(w io.Writer, recs []timeline.ToolCallRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No tool calls recorded.")
		return
	}
	for _, r := range recs {
		status := r.Status
		switch r.Status {
		case "success":
			status = color.GreenString(r.Status)
		case "error":
			status = color.RedString(r.Status)
		case "cancelled":
			status = color.YellowString(r.Status)
		}
		fmt.Fprintf(w, "%s  %-10s %-16s %s", r.UpdatedAt.Local().Format("2006-01-02 15:04:05"), r.SchedulerID, r.Tool, status)
		if r.DurationMS > 0 {
			fmt.Fprintf(w, " (%dms)", r.DurationMS)
		}
		fmt.Fprintln(w)
		if line := firstLine(r.Output, 100); line != "" {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

func printApprovals(w io.Writer, recs []timeline.ApprovalRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No approvals recorded.")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %-10s %-16s %s", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.SchedulerID, r.Tool, r.Status)
		if r.Reason != "" {
			fmt.Fprintf(w, " (%s)", r.Reason)
		}
		fmt.Fprintln(w)
		if r.Title != "" {
			fmt.Fprintf(w, "    %s\n", r.Title)
		}
	}
}
