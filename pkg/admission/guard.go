package admission

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-trust/pkg/trust"
)

// DefaultPolicy is the bundled admission module.
//
//go:embed policies/trust_admission.rego
var DefaultPolicy string

const (
	// DefaultEntrypoint is the decision path of DefaultPolicy.
	DefaultEntrypoint = "polis/trust/admission/decision"

	defaultModuleName = "trust_admission.rego"
)

// Action is the outcome of an admission decision.
type Action string

const (
	// ActionAllow lets the change be published.
	ActionAllow Action = "allow"
	// ActionBlock refuses the change.
	ActionBlock Action = "block"
)

// Decision is the evaluated decision document.
type Decision struct {
	Action Action
	Reason string
}

// Options control Guard construction.
type Options struct {
	// Entrypoint is the decision path (e.g. "polis/trust/admission/decision").
	Entrypoint string
	// Modules contains the Rego modules to load. Empty selects DefaultPolicy.
	Modules map[string]string
	// Environment is passed to the policy as input.environment.
	Environment string
	// Logger receives decision logs. Nil selects slog.Default().
	Logger *slog.Logger
}

// Guard evaluates a prepared Rego query for every trust policy change.
type Guard struct {
	entrypoint  string
	environment string
	query       rego.PreparedEvalQuery
	logger      *slog.Logger
}

// New parses and compiles the modules and prepares the decision query.
func New(ctx context.Context, opts Options) (*Guard, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	modules := opts.Modules
	if len(modules) == 0 {
		modules = map[string]string{defaultModuleName: DefaultPolicy}
		if entry == "" {
			entry = DefaultEntrypoint
		}
	}
	if entry == "" {
		return nil, errors.New("admission guard requires an entrypoint")
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := make([]func(*rego.Rego), 0, len(names)+1)
	regoOpts = append(regoOpts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Guard{
		entrypoint:  entry,
		environment: strings.TrimSpace(opts.Environment),
		query:       prepared,
		logger:      logger.With("component", "admission"),
	}, nil
}

// Admit implements trust.Guard. A block decision is returned as a
// trust.ErrAdmission error carrying the policy's reason.
func (g *Guard) Admit(ctx context.Context, req trust.AdmissionRequest) error {
	decision, err := g.Evaluate(ctx, req)
	if err != nil {
		return err
	}

	g.logger.LogAttrs(ctx, slog.LevelDebug, "Admission decision",
		slog.String("entrypoint", g.entrypoint),
		slog.String("policy", req.Requested.Kind.String()),
		slog.String("action", string(decision.Action)),
		slog.String("reason", decision.Reason),
	)

	if decision.Action == ActionBlock {
		reason := decision.Reason
		if reason == "" {
			reason = "blocked by admission policy"
		}
		return trust.NewAdmissionError(req.Requested.Kind, reason)
	}
	return nil
}

// Evaluate runs the decision query for req.
func (g *Guard) Evaluate(ctx context.Context, req trust.AdmissionRequest) (Decision, error) {
	results, err := g.query.Eval(ctx, rego.EvalInput(g.input(req)))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Action: ActionAllow}, nil
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	action, err := parseAction(payload["action"])
	if err != nil {
		return Decision{}, err
	}
	reason, _ := payload["reason"].(string)

	return Decision{Action: action, Reason: reason}, nil
}

func (g *Guard) input(req trust.AdmissionRequest) map[string]any {
	return map[string]any{
		"environment":  g.environment,
		"requested_at": req.RequestedAt.Unix(),
		"requested":    policyInput(req.Requested),
		"previous":     policyInput(req.Previous),
	}
}

func policyInput(p trust.Policy) map[string]any {
	out := map[string]any{"policy": p.Kind.String()}
	if c := p.Certificate; c != nil {
		out["certificate"] = map[string]any{
			"identity":   c.Identity(),
			"subject":    c.Subject(),
			"issuer":     c.Issuer(),
			"is_ca":      c.IsCA(),
			"not_before": c.NotBefore().Unix(),
			"not_after":  c.NotAfter().Unix(),
		}
	}
	return out
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionAllow, nil
	}
	text, ok := value.(string)
	if !ok {
		return Action(""), fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch Action(strings.ToLower(text)) {
	case ActionAllow:
		return ActionAllow, nil
	case ActionBlock:
		return ActionBlock, nil
	default:
		return Action(""), fmt.Errorf("opa decision: unknown action %q", text)
	}
}
