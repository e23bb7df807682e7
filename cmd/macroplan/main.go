package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/rfujimoto/macroplan/internal/daemon"
	"github.com/rfujimoto/macroplan/internal/setup"
	"github.com/rfujimoto/macroplan/internal/status"
	"github.com/rfujimoto/macroplan/internal/uds"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "show":
		runShow(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "version":
		fmt.Printf("macroplan %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: macroplan <command> [options]

commands:
  init [dir] [--name <name>]        initialize .macroplan/ in a project
  daemon                            run the execution daemon (foreground)
  status [--json]                   show daemon, queue, and blueprint state
  submit <file.yaml> [--approve]    submit a blueprint definition
  run <blueprint_id> [--node <id>]  queue a blueprint (or one node) for execution
  cancel <blueprint_id> [--node <id>]  cancel the running execution
  list                              list blueprints
  show <blueprint_id>               show one blueprint in detail
  stop                              ask the daemon to shut down
  version                           print version
`)
}

// findDataDir walks up from the working directory looking for .macroplan/.
func findDataDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustDataDir() string {
	dataDir := findDataDir()
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: .macroplan/ directory not found. Run 'macroplan init' first.")
		os.Exit(1)
	}
	return dataDir
}

func client(dataDir string) *uds.Client {
	return uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
}

// sendOrDie sends a command and exits non-zero on transport or daemon errors.
func sendOrDie(dataDir, command string, params any) *uds.Response {
	resp, err := client(dataDir).SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if !resp.Success {
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", command, resp.Error.Message, resp.Error.Code)
		} else {
			fmt.Fprintf(os.Stderr, "%s: request failed\n", command)
		}
		os.Exit(1)
	}
	return resp
}

func runInit(args []string) {
	dir := "."
	name := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			dir = args[i]
		}
	}
	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s in %s\n", setup.DirName, absDir)
}

func runDaemon(_ []string) {
	dataDir := mustDataDir()

	cfg, err := setup.LoadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: macroplan status [--json]\n", a)
			os.Exit(1)
		}
	}
	if err := status.Run(mustDataDir(), jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

// blueprintSpec is the on-disk submission format.
type blueprintSpec struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	WorkDir     string `yaml:"work_dir"`
	Agent       string `yaml:"agent"`
	Nodes       []struct {
		ID               string   `yaml:"id"`
		Title            string   `yaml:"title"`
		Description      string   `yaml:"description"`
		Dependencies     []string `yaml:"dependencies"`
		PromptOverride   string   `yaml:"prompt_override"`
		EstimatedMinutes int      `yaml:"estimated_minutes"`
	} `yaml:"nodes"`
}

func runSubmit(args []string) {
	var file string
	approve := false
	for _, a := range args {
		switch a {
		case "--approve":
			approve = true
		default:
			file = a
		}
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, "usage: macroplan submit <file.yaml> [--approve]")
		os.Exit(1)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}
	var spec blueprintSpec
	if err := yamlv3.Unmarshal(data, &spec); err != nil {
		fmt.Fprintf(os.Stderr, "submit: parse %s: %v\n", file, err)
		os.Exit(1)
	}

	workDir := spec.WorkDir
	if workDir == "" {
		// The project root containing .macroplan/ is the natural default.
		workDir = filepath.Dir(mustDataDir())
	}
	params := daemon.SubmitBlueprintParams{
		Title:       spec.Title,
		Description: spec.Description,
		WorkDir:     workDir,
		Agent:       spec.Agent,
		Approve:     approve,
	}
	for _, n := range spec.Nodes {
		params.Nodes = append(params.Nodes, daemon.SubmitNodeParams{
			ID:               n.ID,
			Title:            n.Title,
			Description:      n.Description,
			Dependencies:     n.Dependencies,
			PromptOverride:   n.PromptOverride,
			EstimatedMinutes: n.EstimatedMinutes,
		})
	}

	resp := sendOrDie(mustDataDir(), "submit_blueprint", params)
	var result struct {
		BlueprintID string `json:"blueprint_id"`
		Status      string `json:"status"`
		Nodes       int    `json:"nodes"`
	}
	json.Unmarshal(resp.Data, &result)
	fmt.Printf("Submitted %s (%d nodes, %s)\n", result.BlueprintID, result.Nodes, result.Status)
}

func runRun(args []string) {
	blueprintID, nodeID := idAndNode(args, "run")
	params := map[string]string{"blueprint_id": blueprintID}
	command := "run_all"
	if nodeID != "" {
		command = "run_node"
		params["node_id"] = nodeID
	}
	sendOrDie(mustDataDir(), command, params)
	fmt.Println("Queued.")
}

func runCancel(args []string) {
	blueprintID, nodeID := idAndNode(args, "cancel")
	params := map[string]string{"blueprint_id": blueprintID}
	if nodeID != "" {
		params["node_id"] = nodeID
	}
	sendOrDie(mustDataDir(), "cancel", params)
	fmt.Println("Cancelled.")
}

func idAndNode(args []string, cmd string) (string, string) {
	var blueprintID, nodeID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--node":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--node requires a value")
				os.Exit(1)
			}
			i++
			nodeID = args[i]
		default:
			blueprintID = args[i]
		}
	}
	if blueprintID == "" {
		fmt.Fprintf(os.Stderr, "usage: macroplan %s <blueprint_id> [--node <node_id>]\n", cmd)
		os.Exit(1)
	}
	return blueprintID, nodeID
}

func runList(_ []string) {
	resp := sendOrDie(mustDataDir(), "list_blueprints", nil)
	var data struct {
		Blueprints []status.BlueprintRow `json:"blueprints"`
	}
	json.Unmarshal(resp.Data, &data)
	status.Print(os.Stdout, status.Report{
		Daemon:     status.DaemonState{Running: true},
		Blueprints: data.Blueprints,
	})
}

func runShow(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: macroplan show <blueprint_id>")
		os.Exit(1)
	}
	resp := sendOrDie(mustDataDir(), "get_blueprint", map[string]string{"blueprint_id": args[0]})

	var pretty map[string]any
	if err := json.Unmarshal(resp.Data, &pretty); err != nil {
		fmt.Fprintf(os.Stderr, "show: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(pretty)
}

func runStop(_ []string) {
	sendOrDie(mustDataDir(), "shutdown", nil)
	fmt.Println("Shutdown requested.")
}
