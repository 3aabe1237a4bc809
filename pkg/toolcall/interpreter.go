package toolcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/guardrails"
	"github.com/crewline/foreman/pkg/tools"
)

const (
	// DefaultCallTimeout bounds a single tool execution.
	DefaultCallTimeout = 300 * time.Second
	// DefaultOutputLimit caps the per-result output fed back to the agent.
	DefaultOutputLimit = 8192
)

// ErrMaxIterations is surfaced when a message exhausts its tool-loop budget.
var ErrMaxIterations = errors.New("max tool iterations reached")

// CallAgent obtains the next assistant turn for the accumulated
// conversation. The engine supplies it so streaming, thinking suppression,
// and event emission stay out of the interpreter.
type CallAgent func(ctx context.Context, messages []agents.Message) (string, error)

// Observer is notified after each executed invocation.
type Observer func(inv Invocation, result *tools.Result, duration time.Duration)

// Options tune one interpreter.
type Options struct {
	CallTimeout time.Duration
	OutputLimit int
	Observer    Observer
}

// InvocationResult pairs an invocation with its execution outcome.
type InvocationResult struct {
	Invocation Invocation
	Decision   guardrails.Decision
	Result     *tools.Result
	Duration   time.Duration
	Skipped    bool // not executed because an earlier call exhausted the budget
}

// Outcome is the final state of one interpreted message.
type Outcome struct {
	FinalText  string           // last assistant text, with no invocations left
	Messages   []agents.Message // full transcript including tool-result turns
	Iterations int
	ToolCalls  int
}

type batchResult struct {
	results      []InvocationResult
	repairPrompt string
}

// Interpreter drives the tool loop for agent messages. One instance serves
// one agent session; per-message state (the single repair attempt, loop
// counters) resets at the start of each Run.
type Interpreter struct {
	registry *tools.Registry
	enforcer *guardrails.Enforcer
	opts     Options

	repairUsed bool
}

// New builds an interpreter over the tool registry and the agent's enforcer.
func New(registry *tools.Registry, enforcer *guardrails.Enforcer, opts Options) *Interpreter {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	return &Interpreter{registry: registry, enforcer: enforcer, opts: opts}
}

// Run interprets one message: it calls the agent, executes any tool
// invocations in the reply, feeds the results back, and repeats until the
// agent answers without tools or the iteration ceiling is hit. The returned
// transcript extends messages with every turn exchanged.
func (it *Interpreter) Run(ctx context.Context, messages []agents.Message, call CallAgent) (*Outcome, error) {
	it.enforcer.ResetMessage()
	it.repairUsed = false

	out := &Outcome{Messages: messages}
	for {
		if err := it.enforcer.CheckToolLoop(); err != nil {
			return out, fmt.Errorf("%w: %v", ErrMaxIterations, err)
		}

		response, err := call(ctx, out.Messages)
		if err != nil {
			return out, err
		}
		out.Messages = append(out.Messages, agents.Message{Role: "assistant", Content: response})

		invocations := ParseInvocations(response)
		if len(invocations) == 0 {
			out.FinalText = response
			return out, nil
		}
		it.enforcer.RecordToolLoop()
		out.Iterations++

		batch := it.executeBatch(ctx, invocations)
		if batch.repairPrompt != "" {
			out.Messages = append(out.Messages, agents.Message{Role: "user", Content: batch.repairPrompt})
			continue
		}

		for _, r := range batch.results {
			if !r.Skipped && r.Decision.Allowed {
				out.ToolCalls++
			}
		}
		out.Messages = append(out.Messages, agents.Message{
			Role:    "user",
			Content: FormatResults(batch.results, it.opts.OutputLimit),
		})
	}
}

// ExecuteBatch runs the invocations of one assistant turn and returns the
// per-invocation results plus the repair prompt when one must be sent
// instead. Exposed for callers that own the conversation loop themselves.
func (it *Interpreter) ExecuteBatch(ctx context.Context, invocations []Invocation) ([]InvocationResult, string) {
	batch := it.executeBatch(ctx, invocations)
	return batch.results, batch.repairPrompt
}

func (it *Interpreter) executeBatch(ctx context.Context, invocations []Invocation) batchResult {
	// Repair pass: malformed JSON goes through jsonrepair silently; only a
	// block that stays broken burns the message's single repair turn.
	for i := range invocations {
		if invocations[i].ParseError == nil {
			continue
		}
		if fixed, err := jsonrepair.JSONRepair(invocations[i].Raw); err == nil {
			if tool, args, derr := decodeInvocation(fixed); derr == nil && tool != "" {
				slog.Info("Repaired malformed tool call JSON", "tool", tool)
				invocations[i].Tool = tool
				invocations[i].Args = args
				invocations[i].ParseError = nil
				continue
			}
		}
		if !it.repairUsed {
			it.repairUsed = true
			return batchResult{repairPrompt: buildRepairPrompt(invocations[i])}
		}
	}

	var results []InvocationResult
	aborted := false
	for _, inv := range invocations {
		if aborted {
			results = append(results, InvocationResult{
				Invocation: inv,
				Skipped:    true,
				Result:     &tools.Result{Error: "not executed: tool budget exhausted earlier in this batch"},
			})
			continue
		}

		r := it.executeOne(ctx, inv)
		results = append(results, r)
		if r.Decision.Flags.BudgetExceeded {
			aborted = true
		}
	}
	return batchResult{results: results}
}

func (it *Interpreter) executeOne(ctx context.Context, inv Invocation) InvocationResult {
	if inv.ParseError != nil {
		return InvocationResult{Invocation: inv, Result: &tools.Result{Error: inv.ParseError.Error()}}
	}
	if inv.Tool == "" {
		return InvocationResult{Invocation: inv, Result: &tools.Result{Error: "tool call is missing the 'tool' field"}}
	}

	tool, err := it.registry.Get(inv.Tool)
	if err != nil {
		return InvocationResult{Invocation: inv, Result: &tools.Result{Error: err.Error()}}
	}
	// Schema violations fail here, before the guard chain, so invalid calls
	// never reach an approval wait.
	if err := it.registry.ValidateArgs(inv.Tool, inv.Args); err != nil {
		return InvocationResult{Invocation: inv, Result: &tools.Result{Error: err.Error()}}
	}

	dec := it.enforcer.CheckToolExecution(ctx, inv.Tool, inv.Args)
	if !dec.Allowed {
		return InvocationResult{
			Invocation: inv,
			Decision:   dec,
			Result:     &tools.Result{Error: dec.Reason},
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, it.opts.CallTimeout)
	start := time.Now()
	result := tool.Execute(callCtx, inv.Args)
	duration := time.Since(start)
	timedOut := callCtx.Err() != nil && ctx.Err() == nil
	cancel()

	if result == nil {
		result = &tools.Result{Error: "tool returned no result"}
	}
	if timedOut && !result.Success && result.Error == "" {
		result.Error = fmt.Sprintf("tool call timed out after %s", it.opts.CallTimeout)
	}

	it.enforcer.RecordToolExecution(ctx, dec, inv.Tool, inv.Args, result, duration)
	if it.opts.Observer != nil {
		it.opts.Observer(inv, result, duration)
	}
	return InvocationResult{Invocation: inv, Decision: dec, Result: result, Duration: duration}
}

// buildRepairPrompt quotes the raw block and the decoder error, and repeats
// the invocation schema, exactly once per message.
func buildRepairPrompt(inv Invocation) string {
	return fmt.Sprintf(`Your last tool call could not be parsed. Fix the JSON and resend the call.

Raw block:
%s

Decoder error: %v

Reminder: emit tool calls as <tool_call>{"tool": "<tool-id>", "args": {...}}</tool_call>. The block must contain a single valid JSON object with a "tool" (or "name") string and an "args" (or "arguments") object.`,
		inv.Raw, inv.ParseError)
}
