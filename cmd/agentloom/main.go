// agentloom runs declarative multi-agent workflows from the command line.
//
// Usage:
//
//	agentloom run --spec workflow.yaml [--session id] [--var k=v ...]
//	agentloom resume --session id [--approve|--deny] [--text response]
//	agentloom list
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/engine"
	"github.com/agentloom/agentloom/hitl"
	"github.com/agentloom/agentloom/pattern"
	"github.com/agentloom/agentloom/session"
	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch os.Args[1] {
	case "run":
		runErr = cmdRun(ctx, logger, os.Args[2:])
	case "resume":
		runErr = cmdResume(ctx, logger, os.Args[2:])
	case "list":
		runErr = cmdList(ctx, os.Args[2:])
	case "version":
		fmt.Println("agentloom", version)
	default:
		usage()
		os.Exit(2)
	}
	if runErr != nil {
		logger.Error("command failed",
			zap.String("command", os.Args[1]),
			zap.String("code", string(types.GetErrorCode(runErr))),
			zap.Error(runErr),
		)
		os.Exit(1)
	}
}

var version = "dev"

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  agentloom run --spec workflow.yaml [--session id] [--sessions dir] [--var k=v ...]
  agentloom resume --session id [--sessions dir] [--approve|--deny] [--text response]
  agentloom list [--sessions dir]
  agentloom version`)
}

// varsFlag collects repeated --var k=v flags.
type varsFlag map[string]string

func (v varsFlag) String() string { return fmt.Sprint(map[string]string(v)) }

func (v varsFlag) Set(s string) error {
	k, val, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected k=v, got %q", s)
	}
	v[k] = val
	return nil
}

func cmdRun(ctx context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	specPath := fs.String("spec", "", "workflow specification file")
	sessionID := fs.String("session", "", "session id (generated when empty)")
	sessionsDir := fs.String("sessions", ".agentloom/sessions", "session storage root")
	vars := varsFlag{}
	fs.Var(vars, "var", "template variable k=v (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *specPath == "" {
		return fmt.Errorf("--spec is required")
	}

	wf, err := spec.Load(*specPath)
	if err != nil {
		return err
	}

	eng := newEngine(*sessionsDir, logger)
	res, err := eng.Run(ctx, wf, engine.RunOptions{
		SessionID: *sessionID,
		Variables: map[string]string(vars),
	})
	if res != nil {
		printResult(res)
	}
	return err
}

func cmdResume(ctx context.Context, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	sessionID := fs.String("session", "", "session id")
	sessionsDir := fs.String("sessions", ".agentloom/sessions", "session storage root")
	approve := fs.Bool("approve", false, "approve the pending gate")
	deny := fs.Bool("deny", false, "deny the pending gate")
	text := fs.String("text", "", "response text for the pending gate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("--session is required")
	}

	var response *hitl.Response
	if *approve || *deny || *text != "" {
		response = &hitl.Response{Approved: *approve && !*deny, Text: *text}
	}

	eng := newEngine(*sessionsDir, logger)
	res, err := eng.Resume(ctx, *sessionID, response)
	if res != nil {
		printResult(res)
	}
	return err
}

func cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	sessionsDir := fs.String("sessions", ".agentloom/sessions", "session storage root")
	if err := fs.Parse(args); err != nil {
		return err
	}

	repo := session.NewFileRepository(*sessionsDir)
	ids, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		st, err := repo.Load(ctx, id)
		if err != nil {
			fmt.Printf("%s\t(unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s\t%s\t%s\t%d tokens\n",
			id, st.Metadata.Status, st.Metadata.Workflow, st.Usage.Total.TotalTokens)
	}
	return nil
}

func newEngine(sessionsDir string, logger *zap.Logger) *engine.Engine {
	repo := session.NewFileRepository(sessionsDir, session.WithLogger(logger))
	return engine.New(repo, echoInvoker(), engine.WithLogger(logger))
}

// echoInvoker is the built-in placeholder invoker: it echoes the rendered
// prompt back. Real deployments embed the engine and supply a provider
// invoker.
func echoInvoker() pattern.Invoker {
	return pattern.InvokerFunc(func(_ context.Context, agent spec.Agent, prompt string) (string, error) {
		return fmt.Sprintf("[%s] %s", agent.ID, prompt), nil
	})
}

func printResult(res *types.Result) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Println(res.Response)
		return
	}
	fmt.Println(string(out))
}
