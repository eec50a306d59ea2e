package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/staffd/internal/agents"
	"github.com/kalambet/staffd/internal/attach"
	"github.com/kalambet/staffd/internal/briefing"
	"github.com/kalambet/staffd/internal/config"
	"github.com/kalambet/staffd/internal/conversation"
	"github.com/kalambet/staffd/internal/executor"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/stream"
)

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage scheduled jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/jobs"
		if activeOnly {
			path += "?active=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var jobs []storage.ScheduledJob
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

func printJobs(w io.Writer, jobs []storage.ScheduledJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}
	for _, j := range jobs {
		state := colorize(styleSuccess, "active")
		if !j.IsActive {
			state = colorize(styleMuted, "paused")
		}
		next := "-"
		if !j.NextRunAt.IsZero() {
			next = j.NextRunAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s  %-24s %-14s %-22s next %s  %s  runs %d/%d\n",
			colorize(styleAccent, shortID(j.ID)),
			j.Name,
			j.AgentID,
			describeSchedule(j.Schedule),
			next,
			state,
			j.SuccessCount,
			j.RunCount,
		)
	}
}

func describeSchedule(s storage.Schedule) string {
	var d string
	switch s.Kind {
	case storage.ScheduleCron:
		d = "cron " + s.Expression
	case storage.ScheduleInterval:
		d = "every " + s.Interval.String()
	default:
		d = s.Kind
	}
	if s.Timezone != "" && s.Kind == storage.ScheduleCron {
		d += " (" + s.Timezone + ")"
	}
	return d
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var jobRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a job now and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/run", nil)
		if err != nil {
			return err
		}

		var res executor.RunResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Status != executor.StatusSuccess {
			printError("Run failed after %s: %s", res.Duration.Round(time.Millisecond), res.Error)
			return fmt.Errorf("job %s failed", args[0])
		}

		printSuccess("Run finished in %s", res.Duration.Round(time.Millisecond))
		if o := res.Outcome; o != nil {
			if o.Generated {
				printStatus("Briefings", "%d created (%s, score %.2f)", o.Count, o.Priority, o.Score)
			} else {
				printStatus("Briefings", "none (%s, score %.2f)", o.Reason, o.Score)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Text)
		return nil
	},
}

func setJobActive(cmd *cobra.Command, id string, active bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.patch(cmd.Context(), "/jobs/"+id, map[string]any{"is_active": active})
	if err != nil {
		return err
	}

	var job storage.ScheduledJob
	if err := decodeJSON(resp, &job); err != nil {
		return err
	}
	if active {
		printSuccess("Resumed %s, next run %s", job.Name, job.NextRunAt.Local().Format("2006-01-02 15:04"))
	} else {
		printSuccess("Paused %s", job.Name)
	}
	return nil
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobActive(cmd, args[0], false)
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobActive(cmd, args[0], true)
	},
}

func init() {
	jobListCmd.Flags().Bool("active", false, "only list active jobs")
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobRunCmd)
	jobCmd.AddCommand(jobPauseCmd)
	jobCmd.AddCommand(jobResumeCmd)
}

// --- briefing ---

var briefingCmd = &cobra.Command{
	Use:   "briefing",
	Short: "Read and triage briefings",
}

var briefingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's briefings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		if user == "" {
			return fmt.Errorf("--user is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("user_id", user)
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", fmt.Sprint(limit))
		resp, err := client.get(cmd.Context(), "/briefings?"+q.Encode())
		if err != nil {
			return err
		}

		var list []storage.Briefing
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No briefings.")
			return nil
		}
		for _, b := range list {
			fmt.Fprintln(cmd.OutOrStdout(), renderBriefing(b))
		}
		fmt.Fprintln(cmd.OutOrStdout(), colorize(styleMuted, countLabel(len(list), limit)+" briefings"))
		return nil
	},
}

func renderBriefing(b storage.Briefing) string {
	title := fmt.Sprintf("%s %s", priorityLabel(b.Priority), b.Title)
	var body strings.Builder
	fmt.Fprintf(&body, "%s\n", b.Summary)
	if b.Impact != "" {
		fmt.Fprintf(&body, "%s %s\n", colorize(styleBold, "Impact:"), b.Impact)
	}
	fmt.Fprintf(&body, "%s", colorize(styleMuted, fmt.Sprintf("%s · %s · %s · %s",
		shortID(b.ID), b.AgentID, b.Status, b.CreatedAt.Local().Format("2006-01-02 15:04"))))
	return card(title, body.String())
}

func briefingTransition(cmd *cobra.Command, id, action, done string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.post(cmd.Context(), "/briefings/"+id+"/"+action, nil)
	if err != nil {
		return err
	}

	var b storage.Briefing
	if err := decodeJSON(resp, &b); err != nil {
		return err
	}
	printSuccess("%s %s", done, b.Title)
	return nil
}

var briefingReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark a briefing as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return briefingTransition(cmd, args[0], "read", "Read")
	},
}

var briefingDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a new briefing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return briefingTransition(cmd, args[0], "dismiss", "Dismissed")
	},
}

var briefingActCmd = &cobra.Command{
	Use:   "act <id> <action>",
	Short: "Perform a briefing action (view_report or start_conversation)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/briefings/"+args[0]+"/act", map[string]string{"action": args[1]})
		if err != nil {
			return err
		}

		var res briefing.ActResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		switch {
		case res.ConversationID != "":
			printSuccess("Conversation %s", res.ConversationID)
			if res.Prompt != "" {
				printStep("Try: staffd chat %s %q", res.ConversationID, res.Prompt)
			}
		case res.ReportRef != "":
			printSuccess("Report %s", res.ReportRef)
		default:
			printSuccess("Done")
		}
		return nil
	},
}

func init() {
	briefingListCmd.Flags().String("user", "", "recipient user ID")
	briefingListCmd.Flags().String("status", "", "filter by status (new, read, actioned, dismissed)")
	briefingListCmd.Flags().Int("limit", 20, "maximum number of briefings")
	briefingCmd.AddCommand(briefingListCmd)
	briefingCmd.AddCommand(briefingReadCmd)
	briefingCmd.AddCommand(briefingDismissCmd)
	briefingCmd.AddCommand(briefingActCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <conversation> <message>",
	Short: "Send a message to a conversation and stream the reply",
	Long: `Send a message to a conversation and stream the reply.

Use "new" as the conversation to open one first.

Examples:
  staffd chat new --agent data_analyst --user u1 "How did orders do yesterday?"
  staffd chat 5f0c... "每天早上9点帮我检查订单数据"
  staffd chat 5f0c... --attach report.pdf "Summarize the attached report"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		message := strings.Join(args[1:], " ")
		agentID, _ := cmd.Flags().GetString("agent")
		userID, _ := cmd.Flags().GetString("user")
		files, _ := cmd.Flags().GetStringSlice("attach")

		in := conversation.Input{Content: message}
		for _, f := range files {
			a, err := readAttachment(f)
			if err != nil {
				return err
			}
			in.Attachments = append(in.Attachments, a)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if convID == "new" {
			if agentID == "" || userID == "" {
				return fmt.Errorf("--agent and --user are required to start a conversation")
			}
			resp, err := client.post(cmd.Context(), "/conversations", map[string]string{"user_id": userID, "agent_id": agentID})
			if err != nil {
				return err
			}
			var c storage.Conversation
			if err := decodeJSON(resp, &c); err != nil {
				return err
			}
			convID = c.ID
			printStep("Conversation %s", c.ID)
		}

		resp, err := client.post(cmd.Context(), "/conversations/"+convID+"/messages", in)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return responseError(resp)
		}
		return printReply(cmd.OutOrStdout(), resp.Body)
	},
}

var errReplyDone = errors.New("reply done")

// printReply writes streamed text as it arrives. A tool use is shown on
// its own line; an error event becomes the command's error.
func printReply(w io.Writer, body io.Reader) error {
	var replyErr error
	err := readSSE(body, func(e sseEvent) error {
		var ev stream.Event
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return fmt.Errorf("decoding %s event: %w", e.Name, err)
		}
		switch ev.Type {
		case stream.TextChunk:
			fmt.Fprint(w, ev.Content)
		case stream.ToolUse:
			fmt.Fprintln(w, colorize(styleMuted, "["+ev.ToolName+"] "+ev.ToolInput))
		case stream.Done:
			fmt.Fprintln(w)
			return errReplyDone
		case stream.Error:
			replyErr = errors.New(ev.Content)
			return errReplyDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errReplyDone) {
		return err
	}
	return replyErr
}

func readAttachment(path string) (attach.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return attach.Input{}, fmt.Errorf("reading attachment: %w", err)
	}
	if len(data) > attach.MaxSize {
		return attach.Input{}, fmt.Errorf("attachment %s is larger than %d bytes", path, attach.MaxSize)
	}
	return attach.Input{
		Name:     filepath.Base(path),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Data:     data,
	}, nil
}

func init() {
	chatCmd.Flags().String("agent", "", "agent for a new conversation")
	chatCmd.Flags().String("user", "", "user for a new conversation")
	chatCmd.Flags().StringSlice("attach", nil, "file to attach (repeatable)")
}

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect configured agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/agents")
		if err != nil {
			return err
		}

		var list []agents.Agent
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		for _, a := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				colorize(styleBold, a.ID),
				a.Name,
				colorize(styleMuted, fmt.Sprintf("scope=%s tools=%s min_importance=%.2f",
					a.WorkingScope, strings.Join(a.AllowedTools, ","), a.DefaultPolicy.MinImportanceScore)),
			)
		}
		return nil
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(styleBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
