// Command taskctl is the polling CLI client for the taskd service.
//
// Commands: run, status, list, cancel, logs, orchestrate,
// orchestration-status, list-orchestrations.
// Exit codes: 0 success, 1 user error, 2 server unreachable, 3
// server-reported failure.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultServer = "http://127.0.0.1:8787"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUserError)
	}

	base := os.Getenv("TASKD_SERVER")
	if base == "" {
		base = defaultServer
	}
	c := newClient(strings.TrimSuffix(base, "/"))

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(c, os.Args[2:])
	case "status":
		err = cmdStatus(c, os.Args[2:])
	case "list":
		err = cmdList(c)
	case "cancel":
		err = cmdCancel(c, os.Args[2:])
	case "logs":
		err = cmdLogs(c, os.Args[2:])
	case "orchestrate":
		err = cmdOrchestrate(c, os.Args[2:])
	case "orchestration-status":
		err = cmdOrchestrationStatus(c, os.Args[2:])
	case "list-orchestrations":
		err = cmdListOrchestrations(c)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(exitUserError)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "taskctl: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUserError)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: taskctl <command> [flags]

commands:
  run [-dir DIR] [-system PROMPT] [-model fast|balanced|deep] [-watch] PROMPT...
  status <task-id>
  list
  cancel <task-id>
  logs [-detailed] [-tail N] <task-id>
  orchestrate -file tasks.json
  orchestration-status <orchestration-id>
  list-orchestrations

environment:
  TASKD_SERVER   server base URL (default `+defaultServer+`)
`)
}

// taskView mirrors the server's task response.
type taskView struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	Model        string `json:"model"`
	WorkingDir   string `json:"working_directory"`
	LastAction   string `json:"last_action"`
	FinalSummary string `json:"final_summary"`
	ErrorMessage string `json:"error_message"`
	Identifier   string `json:"task_identifier"`
}

func cmdRun(c *client, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	dir := fs.String("dir", "", "working directory for the task (required)")
	system := fs.String("system", "", "optional system prompt")
	model := fs.String("model", "", "model tier: fast, balanced, or deep")
	watch := fs.Bool("watch", false, "block until the task finishes, tailing its summary log")
	if err := fs.Parse(args); err != nil {
		return userErrorf("%v", err)
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		return userErrorf("run: execution prompt is required")
	}
	if *dir == "" {
		return userErrorf("run: -dir is required")
	}

	var created taskView
	err := c.doJSON("POST", "/api/v1/tasks", map[string]string{
		"execution_prompt":  prompt,
		"working_directory": *dir,
		"system_prompt":     *system,
		"model":             *model,
	}, &created)
	if err != nil {
		return err
	}

	fmt.Printf("task %d submitted (%s)\n", created.ID, created.Status)
	if !*watch {
		return nil
	}
	return watchTask(c, created.ID)
}

// watchTask polls the task until terminal, printing new summary-log lines
// as they appear.
func watchTask(c *client, id int64) error {
	printed := 0
	for {
		text, err := c.getText(fmt.Sprintf("/api/v1/tasks/%d/logs?tail=1000", id))
		if err == nil {
			lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
			for ; printed < len(lines); printed++ {
				if lines[printed] != "" {
					fmt.Println(lines[printed])
				}
			}
		}

		var t taskView
		if err := c.doJSON("GET", fmt.Sprintf("/api/v1/tasks/%d", id), nil, &t); err != nil {
			return err
		}
		switch t.Status {
		case "completed":
			fmt.Printf("task %d completed: %s\n", id, t.FinalSummary)
			return nil
		case "failed":
			return &exitError{code: exitServerError, msg: fmt.Sprintf("task %d failed: %s", id, t.ErrorMessage)}
		case "cancelled", "skipped":
			fmt.Printf("task %d %s\n", id, t.Status)
			return nil
		}
		time.Sleep(time.Second)
	}
}

func cmdStatus(c *client, args []string) error {
	id, err := idArg(args, "status <task-id>")
	if err != nil {
		return err
	}
	var t taskView
	if err := c.doJSON("GET", fmt.Sprintf("/api/v1/tasks/%d", id), nil, &t); err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func printTask(t *taskView) {
	fmt.Printf("task %d: %s (model=%s dir=%s)\n", t.ID, t.Status, t.Model, t.WorkingDir)
	if t.LastAction != "" {
		fmt.Printf("  last action: %s\n", t.LastAction)
	}
	if t.FinalSummary != "" {
		fmt.Printf("  summary: %s\n", t.FinalSummary)
	}
	if t.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", t.ErrorMessage)
	}
}

func cmdList(c *client) error {
	var resp struct {
		Tasks []taskView `json:"tasks"`
	}
	if err := c.doJSON("GET", "/api/v1/tasks", nil, &resp); err != nil {
		return err
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range resp.Tasks {
		line := fmt.Sprintf("%-6d %-10s %s", t.ID, t.Status, t.WorkingDir)
		if t.LastAction != "" {
			line += "  |  " + t.LastAction
		}
		fmt.Println(line)
	}
	return nil
}

func cmdCancel(c *client, args []string) error {
	id, err := idArg(args, "cancel <task-id>")
	if err != nil {
		return err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON("POST", fmt.Sprintf("/api/v1/tasks/%d/cancel", id), nil, &resp); err != nil {
		return err
	}
	fmt.Printf("task %d: %s\n", id, resp.Status)
	return nil
}

func cmdLogs(c *client, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	detailed := fs.Bool("detailed", false, "show the detailed log instead of the summary")
	tail := fs.Int("tail", 50, "number of trailing lines")
	if err := fs.Parse(args); err != nil {
		return userErrorf("%v", err)
	}
	id, err := idArg(fs.Args(), "logs <task-id>")
	if err != nil {
		return err
	}

	kind := "summary"
	if *detailed {
		kind = "detailed"
	}
	text, err := c.getText(fmt.Sprintf("/api/v1/tasks/%d/logs?kind=%s&tail=%d", id, kind, *tail))
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func cmdOrchestrate(c *client, args []string) error {
	fs := flag.NewFlagSet("orchestrate", flag.ContinueOnError)
	file := fs.String("file", "", "JSON file with the orchestration spec ('-' for stdin)")
	if err := fs.Parse(args); err != nil {
		return userErrorf("%v", err)
	}
	if *file == "" {
		return userErrorf("orchestrate: -file is required")
	}

	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		return userErrorf("reading spec: %v", err)
	}

	var spec map[string]any
	if err := json.Unmarshal(data, &spec); err != nil {
		return userErrorf("parsing spec: %v", err)
	}

	var resp struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
		Total  int    `json:"total_tasks"`
	}
	if err := c.doJSON("POST", "/api/v1/orchestrations", spec, &resp); err != nil {
		return err
	}
	fmt.Printf("orchestration %d submitted (%d tasks, %s)\n", resp.ID, resp.Total, resp.Status)
	return nil
}

func cmdOrchestrationStatus(c *client, args []string) error {
	id, err := idArg(args, "orchestration-status <orchestration-id>")
	if err != nil {
		return err
	}
	var resp struct {
		ID        int64      `json:"id"`
		Status    string     `json:"status"`
		Total     int        `json:"total_tasks"`
		Completed int        `json:"completed_tasks"`
		Failed    int        `json:"failed_tasks"`
		Skipped   int        `json:"skipped_tasks"`
		Tasks     []taskView `json:"tasks"`
	}
	if err := c.doJSON("GET", fmt.Sprintf("/api/v1/orchestrations/%d", id), nil, &resp); err != nil {
		return err
	}
	fmt.Printf("orchestration %d: %s (total=%d completed=%d failed=%d skipped=%d)\n",
		resp.ID, resp.Status, resp.Total, resp.Completed, resp.Failed, resp.Skipped)
	for _, t := range resp.Tasks {
		fmt.Printf("  %-12s task %-6d %s\n", t.Identifier, t.ID, t.Status)
	}
	return nil
}

func cmdListOrchestrations(c *client) error {
	var resp struct {
		Orchestrations []struct {
			ID        int64  `json:"id"`
			Status    string `json:"status"`
			Total     int    `json:"total_tasks"`
			Completed int    `json:"completed_tasks"`
			Failed    int    `json:"failed_tasks"`
			Skipped   int    `json:"skipped_tasks"`
		} `json:"orchestrations"`
	}
	if err := c.doJSON("GET", "/api/v1/orchestrations", nil, &resp); err != nil {
		return err
	}
	if len(resp.Orchestrations) == 0 {
		fmt.Println("no orchestrations")
		return nil
	}
	for _, o := range resp.Orchestrations {
		fmt.Printf("%-6d %-10s total=%d completed=%d failed=%d skipped=%d\n",
			o.ID, o.Status, o.Total, o.Completed, o.Failed, o.Skipped)
	}
	return nil
}

func idArg(args []string, usage string) (int64, error) {
	if len(args) != 1 {
		return 0, userErrorf("usage: taskctl %s", usage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, userErrorf("invalid id %q", args[0])
	}
	return id, nil
}
