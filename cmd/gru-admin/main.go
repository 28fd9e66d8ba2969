// ABOUTME: Operator CLI for the gru orchestration server
// ABOUTME: Spawns, inspects and controls agents over the HTTP API

package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Config string `help:"Admin config path" type:"path"`

	Spawn     SpawnCmd     `cmd:"" help:"Spawn a new agent"`
	List      ListCmd      `cmd:"" help:"List agents"`
	Show      ShowCmd      `cmd:"" help:"Show one agent"`
	Pause     PauseCmd     `cmd:"" help:"Pause a running agent"`
	Resume    ResumeCmd    `cmd:"" help:"Resume a paused agent"`
	Terminate TerminateCmd `cmd:"" help:"Terminate an agent"`
	Nudge     NudgeCmd     `cmd:"" help:"Send an instruction to a running agent"`
	Status    StatusCmd    `cmd:"" help:"Show orchestrator status"`
	Approvals ApprovalsCmd `cmd:"" help:"List pending approvals"`
	Approve   ApproveCmd   `cmd:"" help:"Approve a pending action"`
	Reject    RejectCmd    `cmd:"" help:"Reject a pending action"`
	Template  TemplateCmd  `cmd:"" help:"Manage spawn templates"`
}

// agentView mirrors the API's agent JSON for display.
type agentView struct {
	ID       string `json:"ID"`
	Name     string `json:"Name"`
	Task     string `json:"Task"`
	Status   string `json:"Status"`
	Priority string `json:"Priority"`
	Error    string `json:"Error"`
}

func statusColor(status string) *color.Color {
	switch status {
	case "running":
		return color.New(color.FgGreen)
	case "paused":
		return color.New(color.FgYellow)
	case "failed":
		return color.New(color.FgRed)
	case "terminated", "completed":
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgCyan)
	}
}

type SpawnCmd struct {
	Task        string `arg:"" optional:"" help:"Task description"`
	Template    string `help:"Spawn from a stored template"`
	Name        string `help:"Agent name"`
	Model       string `help:"Model override"`
	Priority    string `help:"Priority: low, normal, high" enum:",low,normal,high" default:""`
	Supervised  bool   `help:"Require operator approval for tool actions"`
	TimeoutMode string `help:"Timeout mode: block or strict" enum:",block,strict" default:""`
	Workdir     string `help:"Explicit working directory" type:"path"`
	ParentTask  string `help:"Parent task ID for subtask spawns"`
}

func (c *SpawnCmd) Run(client *apiClient) error {
	if c.Task == "" && c.Template == "" {
		return fmt.Errorf("a task or --template is required")
	}

	var agent agentView
	err := client.do(http.MethodPost, "/api/agents", map[string]any{
		"task":           c.Task,
		"template":       c.Template,
		"name":           c.Name,
		"model":          c.Model,
		"priority":       c.Priority,
		"supervised":     c.Supervised,
		"timeout_mode":   c.TimeoutMode,
		"workdir":        c.Workdir,
		"parent_task_id": c.ParentTask,
	}, &agent)
	if err != nil {
		return err
	}

	fmt.Printf("Spawned agent %s (%s)\n", color.CyanString(agent.ID), agent.Name)
	return nil
}

type ListCmd struct {
	Status string `help:"Filter by status"`
}

func (c *ListCmd) Run(client *apiClient) error {
	path := "/api/agents"
	if c.Status != "" {
		path += "?status=" + c.Status
	}

	var agents []agentView
	if err := client.do(http.MethodGet, path, nil, &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents")
		return nil
	}

	for _, a := range agents {
		statusColor(a.Status).Printf("%-11s", a.Status)
		fmt.Printf(" %s  %s  %s\n", a.ID, a.Name, truncate(a.Task, 60))
	}
	return nil
}

type ShowCmd struct {
	ID string `arg:"" help:"Agent ID"`
}

func (c *ShowCmd) Run(client *apiClient) error {
	var agent agentView
	if err := client.do(http.MethodGet, "/api/agents/"+c.ID, nil, &agent); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", agent.ID)
	fmt.Printf("Name:     %s\n", agent.Name)
	fmt.Print("Status:   ")
	statusColor(agent.Status).Println(agent.Status)
	fmt.Printf("Priority: %s\n", agent.Priority)
	fmt.Printf("Task:     %s\n", agent.Task)
	if agent.Error != "" {
		fmt.Print("Error:    ")
		color.New(color.FgRed).Println(agent.Error)
	}
	return nil
}

type PauseCmd struct {
	ID string `arg:"" help:"Agent ID"`
}

func (c *PauseCmd) Run(client *apiClient) error {
	if err := client.do(http.MethodPost, "/api/agents/"+c.ID+"/pause", nil, nil); err != nil {
		return err
	}
	fmt.Println("Pause requested")
	return nil
}

type ResumeCmd struct {
	ID string `arg:"" help:"Agent ID"`
}

func (c *ResumeCmd) Run(client *apiClient) error {
	if err := client.do(http.MethodPost, "/api/agents/"+c.ID+"/resume", nil, nil); err != nil {
		return err
	}
	fmt.Println("Resume requested")
	return nil
}

type TerminateCmd struct {
	ID string `arg:"" help:"Agent ID"`
}

func (c *TerminateCmd) Run(client *apiClient) error {
	if err := client.do(http.MethodPost, "/api/agents/"+c.ID+"/terminate", nil, nil); err != nil {
		return err
	}
	fmt.Println("Terminate requested")
	return nil
}

type NudgeCmd struct {
	ID      string `arg:"" help:"Agent ID"`
	Content string `arg:"" help:"Instruction to deliver"`
}

func (c *NudgeCmd) Run(client *apiClient) error {
	if err := client.do(http.MethodPost, "/api/agents/"+c.ID+"/nudge", map[string]string{"content": c.Content}, nil); err != nil {
		return err
	}
	fmt.Println("Nudge queued")
	return nil
}

type StatusCmd struct{}

func (c *StatusCmd) Run(client *apiClient) error {
	var status struct {
		Counts  map[string]int `json:"counts"`
		Live    int            `json:"live"`
		Queued  int            `json:"queued"`
		Max     int            `json:"max_concurrent"`
		Running int            `json:"running"`
	}
	if err := client.do(http.MethodGet, "/api/status", nil, &status); err != nil {
		return err
	}

	fmt.Printf("Slots:  %d/%d in use, %d queued\n", status.Running, status.Max, status.Queued)
	for s, n := range status.Counts {
		statusColor(s).Printf("%-11s", s)
		fmt.Printf(" %d\n", n)
	}
	return nil
}

type ApprovalsCmd struct{}

func (c *ApprovalsCmd) Run(client *apiClient) error {
	var approvals []struct {
		ID            string         `json:"ID"`
		AgentID       string         `json:"AgentID"`
		ActionType    string         `json:"ActionType"`
		ActionDetails map[string]any `json:"ActionDetails"`
		CreatedAt     time.Time      `json:"CreatedAt"`
	}
	if err := client.do(http.MethodGet, "/api/approvals", nil, &approvals); err != nil {
		return err
	}
	if len(approvals) == 0 {
		fmt.Println("No pending approvals")
		return nil
	}

	for _, a := range approvals {
		color.New(color.FgYellow).Printf("%s", a.ID)
		fmt.Printf("  agent=%s  %s  %v\n", a.AgentID, a.ActionType, a.ActionDetails)
	}
	return nil
}

type ApproveCmd struct {
	ID string `arg:"" help:"Approval ID"`
}

func (c *ApproveCmd) Run(client *apiClient) error {
	if err := client.do(http.MethodPost, "/api/approvals/"+c.ID, map[string]bool{"approved": true}, nil); err != nil {
		return err
	}
	color.New(color.FgGreen).Println("Approved")
	return nil
}

type RejectCmd struct {
	ID string `arg:"" help:"Approval ID"`
}

func (c *RejectCmd) Run(client *apiClient) error {
	if err := client.do(http.MethodPost, "/api/approvals/"+c.ID, map[string]bool{"approved": false}, nil); err != nil {
		return err
	}
	color.New(color.FgRed).Println("Rejected")
	return nil
}

type TemplateCmd struct {
	List   TemplateListCmd   `cmd:"" help:"List templates"`
	Save   TemplateSaveCmd   `cmd:"" help:"Create or update a template"`
	Delete TemplateDeleteCmd `cmd:"" help:"Delete a template"`
}

type TemplateListCmd struct{}

func (c *TemplateListCmd) Run(client *apiClient) error {
	var templates []struct {
		Name     string `json:"Name"`
		Task     string `json:"Task"`
		Priority string `json:"Priority"`
	}
	if err := client.do(http.MethodGet, "/api/templates", nil, &templates); err != nil {
		return err
	}
	if len(templates) == 0 {
		fmt.Println("No templates")
		return nil
	}

	for _, t := range templates {
		fmt.Printf("%-20s %-8s %s\n", color.CyanString(t.Name), t.Priority, truncate(t.Task, 60))
	}
	return nil
}

type TemplateSaveCmd struct {
	Name     string `arg:"" help:"Template name"`
	Task     string `arg:"" help:"Task description"`
	Priority string `help:"Priority: low, normal, high" enum:",low,normal,high" default:""`
}

func (c *TemplateSaveCmd) Run(client *apiClient) error {
	err := client.do(http.MethodPost, "/api/templates", map[string]string{
		"name": c.Name, "task": c.Task, "priority": c.Priority,
	}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Saved template %s\n", c.Name)
	return nil
}

type TemplateDeleteCmd struct {
	Name string `arg:"" help:"Template name"`
}

func (c *TemplateDeleteCmd) Run(client *apiClient) error {
	if err := client.do(http.MethodDelete, "/api/templates/"+c.Name, nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted template %s\n", c.Name)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("gru-admin"),
		kong.Description("Operator CLI for the gru orchestration server"),
		kong.UsageOnError(),
	)

	configPath := cli.Config
	if configPath == "" {
		configPath = defaultConfigPath()
	}
	cfg, err := Load(configPath)
	if err != nil {
		ctx.FatalIfErrorf(fmt.Errorf("loading %s: %w", configPath, err))
	}

	ctx.FatalIfErrorf(ctx.Run(newClient(cfg)))
}
