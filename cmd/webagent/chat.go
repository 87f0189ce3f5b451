package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/webagent/internal/agent"
	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/audit"
	"github.com/michaelbrown/webagent/internal/storage"
	"github.com/michaelbrown/webagent/internal/tools"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat with the agent",
	Long: `Connect the enabled tools and start an interactive conversation.
Tool and prompt changes made with slash commands apply to the next message.

Examples:
  webagent chat
  webagent chat --model anthropic/claude-sonnet-4`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// chatSession is the state the slash commands operate on.
type chatSession struct {
	app     *app
	manager *tools.Manager
	prompts *agentconfig.PromptManager
	audit   *audit.Recorder
	agent   *agent.Agent
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	var history storage.Store
	if h, err := a.openHistory(); err != nil {
		a.logger.Warnw("history disabled", "error", err)
	} else {
		history = h
		defer h.Close()
	}

	manager := a.newManager()
	defer manager.Close()

	cs := &chatSession{
		app:     a,
		manager: manager,
		prompts: agentconfig.NewPromptManager(a.store),
		audit:   audit.New(history, a.logger.Named("audit")),
	}

	fmt.Printf("webagent - interactive chat\n")
	fmt.Printf("Model: %s | Config: %s\n", a.modelName(), a.store.Path())

	report, err := cs.audit.Reconcile(context.Background(), manager, storage.TriggerCLI)
	if err != nil {
		return err
	}
	printReport(report)

	cs.agent = agent.New(a.newLLM(), nil, agent.Options{
		MaxIterations: a.cfg.Model.MaxIterations,
		Logger:        a.logger.Named("agent"),
	})
	cs.agent.OnTextDelta = func(delta string) {
		fmt.Print(delta)
	}
	cs.agent.OnToolCall = func(name string, args map[string]any) {
		fmt.Printf("\n  \033[33m⚡ Tool: %s\033[0m\n", agent.FormatToolCall(name, args))
	}
	cs.agent.OnToolResult = func(name string, result string) {
		lines := strings.Split(strings.TrimSpace(result), "\n")
		preview := lines
		if len(preview) > 8 {
			preview = preview[:8]
		}
		for _, line := range preview {
			fmt.Printf("  \033[90m│ %s\033[0m\n", line)
		}
		if len(lines) > 8 {
			fmt.Printf("  \033[90m│ ... (%d more lines)\033[0m\n", len(lines)-8)
		}
		fmt.Println()
	}

	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36myou>\033[0m ",
		HistoryFile:     filepath.Join(home, ".webagent", "chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the active request, not the whole app.
	var (
		mu        sync.Mutex
		reqCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if reqCancel != nil {
				reqCancel()
			}
			mu.Unlock()
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return cs.quit()
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if done := cs.handleCommand(input); done {
				return cs.quit()
			}
			continue
		}

		cs.refresh()

		reqCtx, cancel := context.WithCancel(context.Background())
		mu.Lock()
		reqCancel = cancel
		mu.Unlock()

		run := &storage.AgentRun{Model: a.modelName(), Input: input, Tools: cs.agentTools()}
		if p, ok := cs.prompts.ActivePrompt(); ok {
			run.Prompt = p.Name
		}
		cs.audit.BeginRun(reqCtx, run)

		fmt.Printf("\n\033[32magent>\033[0m ")
		res, err := cs.agent.RunStreaming(reqCtx, input)
		wasInterrupted := reqCtx.Err() != nil
		cs.audit.FinishRun(reqCtx, run, res, err, cs.agent.History())

		mu.Lock()
		reqCancel = nil
		mu.Unlock()
		cancel()

		if err != nil {
			if wasInterrupted {
				fmt.Println("\n(interrupted)")
				continue
			}
			fmt.Printf("\n\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		fmt.Printf("\n\n")
	}
}

// refresh points the agent at the tools live now and the active prompt.
func (cs *chatSession) refresh() {
	cs.agent.SetToolset(cs.manager.LiveTools())
	instructions := ""
	if p, ok := cs.prompts.ActivePrompt(); ok {
		instructions = p.Content
	}
	cs.agent.SetInstructions(instructions)
}

func (cs *chatSession) agentTools() []string {
	return cs.manager.LiveTools().Servers()
}

func (cs *chatSession) quit() error {
	fmt.Println("\nGoodbye!")
	if cs.app.store.Dirty() {
		fmt.Println("Unsaved configuration changes discarded (use /save).")
	}
	return nil
}

// handleCommand runs a slash command and reports whether the user asked to quit.
func (cs *chatSession) handleCommand(input string) bool {
	fields := strings.Fields(input)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		return true
	case "/reset":
		cs.agent.Reset()
		fmt.Println("Conversation reset.")
	case "/tools":
		printStatus(cs.manager.List(), cs.manager.Status())
	case "/enable", "/disable":
		if arg == "" {
			fmt.Printf("usage: %s <tool>\n", fields[0])
			break
		}
		if fields[0] == "/enable" {
			err = cs.manager.EnableTool(arg)
		} else {
			err = cs.manager.DisableTool(arg)
		}
		if err == nil {
			fmt.Printf("%s %sd; /reconcile to apply.\n", arg, strings.TrimPrefix(fields[0], "/"))
		}
	case "/reconcile":
		var report tools.Report
		report, err = cs.audit.Reconcile(context.Background(), cs.manager, storage.TriggerCLI)
		if err == nil {
			printReport(report)
		}
	case "/prompt":
		switch arg {
		case "":
			if p, ok := cs.prompts.ActivePrompt(); ok {
				fmt.Printf("Active prompt: %s\n", p.Name)
			} else {
				fmt.Println("No active prompt (built-in instructions).")
			}
		case "none":
			err = cs.prompts.DeactivateAll()
		default:
			err = cs.prompts.ActivatePrompt(arg)
		}
	case "/prompts":
		printPrompts(cs.prompts.List())
	case "/model":
		if arg == "" {
			fmt.Printf("Model: %s\n", cs.app.modelName())
			break
		}
		cs.app.cfg.Model.Name = arg
		cs.agent.SetClient(cs.app.newLLM())
		fmt.Printf("Switched to %s\n", arg)
	case "/save":
		if err = cs.app.save(); err == nil {
			fmt.Printf("Saved %s\n", cs.app.store.Path())
		}
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help                - Show this help")
		fmt.Println("  /tools               - List tools and connection status")
		fmt.Println("  /enable <tool>       - Enable a tool")
		fmt.Println("  /disable <tool>      - Disable a tool")
		fmt.Println("  /reconcile           - Connect enabled and close disabled tools")
		fmt.Println("  /prompt [name|none]  - Show or switch the active prompt")
		fmt.Println("  /prompts             - List prompts")
		fmt.Println("  /model [id]          - Show or switch the model")
		fmt.Println("  /save                - Write configuration changes to disk")
		fmt.Println("  /reset               - Clear conversation history")
		fmt.Println("  /quit                - Exit")
	default:
		fmt.Printf("Unknown command: %s (try /help)\n", input)
	}
	if err != nil {
		fmt.Printf("\033[31merror: %s\033[0m\n", err)
	}
	fmt.Println()
	return false
}
