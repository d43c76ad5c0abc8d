package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/control"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/events"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/service"
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run one session to completion",
	Long: `Run a session for the given query and print its result.

A plan file fixes the steps up front; without one the router plans as it
goes. Approval requests are answered on stdin when it is a terminal and
resolved by their timeout policy otherwise.`,
	Example: `  autoagent run "build a rate limiter"
  autoagent run --plan plan.yaml --workspace ./out
  autoagent run --resume 3f2a...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSession,
}

var (
	runPlan      string
	runWorkspace string
	runResume    string
	runJSON      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runPlan, "plan", "", "YAML plan file with explicit steps")
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "", "workspace directory for artifacts")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume a checkpointed session by id")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final session state as JSON")
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := buildRequest(args, runPlan, runWorkspace)
	if err != nil && runResume == "" {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	a, err := newApp(ctx, cfg, "", logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	var approvals <-chan events.Event
	if term.IsTerminal(int(os.Stdin.Fd())) {
		approvals = a.bus.SubscribeFiltered(events.Filter{Types: []string{events.TypeApprovalRequest}})
		defer a.bus.Unsubscribe(approvals)
	}

	var id string
	if runResume != "" {
		id, err = a.engine.Resume(ctx, runResume)
	} else {
		id, err = a.engine.Start(ctx, req)
	}
	if err != nil {
		return err
	}
	if approvals != nil {
		go promptApprovals(ctx, os.Stdin, cmd.ErrOrStderr(), approvals, a.gateway, id)
	}

	// The session observes ctx itself; wait for it to record its final state.
	final, err := a.engine.Wait(context.WithoutCancel(ctx), id)
	if err != nil && final.SessionID == "" {
		return err
	}
	if err := printSession(cmd.OutOrStdout(), final, runJSON); err != nil {
		return err
	}
	if final.Status != core.SessionCompleted {
		return sessionError(final)
	}
	return nil
}

// buildRequest combines the query argument with an optional plan file. The
// argument and flag win over values in the plan.
func buildRequest(args []string, planPath, workspace string) (service.Request, error) {
	var req service.Request
	if planPath != "" {
		pf, err := service.LoadPlan(planPath)
		if err != nil {
			return req, err
		}
		steps, err := pf.ExecutionSteps()
		if err != nil {
			return req, err
		}
		req = service.Request{Query: pf.Query, Workspace: pf.Workspace, Plan: steps}
	}
	if len(args) > 0 {
		req.Query = args[0]
	}
	if workspace != "" {
		req.Workspace = workspace
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, core.ErrValidation(core.CodeEmptyQuery, "a query argument or a plan with a query is required")
	}
	return req, nil
}

func printSession(w io.Writer, s core.WorkflowState, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	if s.Result != "" {
		fmt.Fprintln(w, s.Result)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "session %s: %s after %d iteration(s)\n", s.SessionID, s.Status, s.Iteration)
	if len(s.Artifacts) > 0 {
		fmt.Fprintln(w, "artifacts:")
		for _, art := range s.Artifacts {
			fmt.Fprintf(w, "  %s (%s, v%d)\n", art.Path, art.Kind, art.Version)
		}
	}
	return nil
}

func sessionError(s core.WorkflowState) error {
	switch {
	case s.Divergence != nil:
		return fmt.Errorf("session %s diverged: %s", s.SessionID, s.Divergence.Reason)
	case len(s.Errors) > 0:
		return fmt.Errorf("session %s %s: %s", s.SessionID, s.Status, s.Errors[len(s.Errors)-1])
	default:
		return fmt.Errorf("session %s %s", s.SessionID, s.Status)
	}
}

// promptApprovals answers the session's approval requests from in. Each answer
// is an action word optionally followed by a reason, e.g. "reject too vague".
// It returns when ctx is done, the event channel closes or input ends.
func promptApprovals(ctx context.Context, in io.Reader, out io.Writer, approvals <-chan events.Event, gateway *control.Gateway, sessionID string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var ev events.ApprovalRequestEvent
		select {
		case <-ctx.Done():
			return
		case e, ok := <-approvals:
			if !ok {
				return
			}
			req, isApproval := e.(events.ApprovalRequestEvent)
			if !isApproval || req.SessionID() != sessionID {
				continue
			}
			ev = req
		}

		fmt.Fprintf(out, "\n[%s] approval needed (on timeout: %s after %s)\n%s\n", ev.Kind, ev.Policy, ev.Timeout, ev.Content)
		for {
			fmt.Fprint(out, "approve / reject / abort / retry [a/r/q]: ")
			var line string
			select {
			case <-ctx.Done():
				return
			case l, ok := <-lines:
				if !ok {
					return
				}
				line = l
			}
			action, reason, _ := strings.Cut(strings.TrimSpace(line), " ")
			resp, err := control.ParseAction(action, strings.TrimSpace(reason), strings.TrimSpace(reason))
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if !gateway.ProvideResponse(ev.RequestID, resp) {
				fmt.Fprintln(out, "request is no longer pending")
			}
			break
		}
	}
}
