// Package tools defines the operations available to the agent: a fixed
// registry of named, schema-declared handlers, each classified as safe
// (may run directly) or gated (must pass through confirmation).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/xeipuuv/gojsonschema"
)

// Class is the static safety classification of an operation.
type Class string

const (
	// ClassSafe operations have no persistent side effect.
	ClassSafe Class = "safe"
	// ClassGated operations mutate article storage and require approval.
	ClassGated Class = "gated"
)

// Handler executes an operation. Expected failures (article missing,
// already published) should be returned as a failed [Result]; a
// non-nil error is treated as a collaborator failure.
type Handler func(ctx context.Context, args Args) (Result, error)

// Tool represents a registered operation.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Class       Class          `json:"class"`
	Handler     Handler        `json:"-"`

	schema *gojsonschema.Schema
}

// Spec is the catalog view of a tool offered to the decision step.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Class       Class          `json:"class"`
}

// Result is the structured outcome of an invocation. Failures are data:
// Success is false, Kind classifies the failure, Error carries the
// underlying cause and Message is safe to show to a non-technical user.
type Result struct {
	Success bool      `json:"success"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Error   string    `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// OK builds a successful result.
func OK(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Fail builds a failed result of the given kind.
func Fail(kind ErrorKind, cause, message string) Result {
	return Result{Success: false, Kind: kind, Error: cause, Message: message}
}

// String renders the result as compact JSON, the "raw result" shown to
// users after an approved action runs.
func (r Result) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("{success:%t message:%q}", r.Success, r.Message)
	}
	return string(data)
}

// Observer is notified after every invocation.
type Observer func(name string, res Result, elapsed time.Duration)

// Registry holds available tools. Tools are registered at startup and
// the registry is immutable once frozen.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	frozen   bool
	logger   *slog.Logger
	observer Observer
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// CanonicalName normalizes an operation name: surrounding space is
// trimmed, letters are lower-cased and every run of whitespace, hyphens
// or underscores becomes a single underscore. "Create Article",
// "create-article" and " CREATE__article " all become "create_article".
func CanonicalName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	sep := false
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsSpace(r) || r == '-' || r == '_' {
			sep = true
			continue
		}
		if sep && sb.Len() > 0 {
			sb.WriteByte('_')
		}
		sep = false
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}

// Register adds a tool to the registry under its canonical name. It
// panics on programming errors: empty name, missing handler, unknown
// class, a schema that does not compile, a duplicate name or
// registration after Freeze.
func (r *Registry) Register(t *Tool) {
	name := CanonicalName(t.Name)
	if name == "" {
		panic("tools: register with empty name")
	}
	if t.Handler == nil {
		panic(fmt.Sprintf("tools: %s has no handler", name))
	}
	if t.Class != ClassSafe && t.Class != ClassGated {
		panic(fmt.Sprintf("tools: %s has unknown class %q", name, t.Class))
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Parameters))
	if err != nil {
		panic(fmt.Sprintf("tools: %s schema: %v", name, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("tools: register %s after freeze", name))
	}
	if _, dup := r.tools[name]; dup {
		panic(fmt.Sprintf("tools: duplicate registration of %s", name))
	}

	t.Name = name
	t.schema = schema
	r.tools[name] = t
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// SetObserver installs a hook called after every invocation. Must be
// called before the registry is shared.
func (r *Registry) SetObserver(fn Observer) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// Resolve finds a tool by any surface form of its name. Returns
// *ErrToolUnavailable if no tool matches.
func (r *Registry) Resolve(name string) (*Tool, error) {
	if t := r.Get(name); t != nil {
		return t, nil
	}
	return nil, &ErrToolUnavailable{ToolName: name}
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[CanonicalName(name)]
}

// ValidateArgs checks args structurally against the tool's parameter
// schema. Returns *ErrInvalidArguments listing every violation.
func (r *Registry) ValidateArgs(t *Tool, args Args) error {
	doc, err := json.Marshal(args)
	if err != nil {
		return &ErrInvalidArguments{ToolName: t.Name, Violations: []string{err.Error()}}
	}

	result, err := t.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ErrInvalidArguments{ToolName: t.Name, Violations: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	var violations []string
	for _, verr := range result.Errors() {
		violations = append(violations, verr.String())
	}
	return &ErrInvalidArguments{ToolName: t.Name, Violations: violations}
}

// Invoke runs the tool's handler. It never panics and never returns an
// error: handler errors and panics are converted into failed results.
func (r *Registry) Invoke(ctx context.Context, t *Tool, args Args) (res Result) {
	start := time.Now()
	log := r.logger.With("tool", t.Name)

	defer func() {
		if p := recover(); p != nil {
			log.Error("tool handler panicked",
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = Fail(KindCollaborator, fmt.Sprint(p),
				fmt.Sprintf("Something went wrong while running %s.", t.Name))
		}

		r.mu.RLock()
		obs := r.observer
		r.mu.RUnlock()
		if obs != nil {
			obs(t.Name, res, time.Since(start))
		}
	}()

	res, err := t.Handler(ctx, args)
	if err != nil {
		log.Warn("tool handler failed", "error", err)
		return Fail(KindCollaborator, err.Error(),
			fmt.Sprintf("Failed to run %s. Please try again shortly.", t.Name))
	}
	if !res.Success && res.Kind == "" {
		res.Kind = KindCollaborator
	}

	log.Debug("tool invoked", "success", res.Success, "elapsed", time.Since(start))
	return res
}

// Execute resolves, validates and invokes a tool by name. Resolution and
// validation failures are returned as failed results as well.
func (r *Registry) Execute(ctx context.Context, name string, args Args) Result {
	t, err := r.Resolve(name)
	if err != nil {
		return Fail(KindNotFound, err.Error(),
			fmt.Sprintf("I don't know how to %q.", name))
	}
	if err := r.ValidateArgs(t, args); err != nil {
		return Fail(KindValidation, err.Error(),
			fmt.Sprintf("The request for %s is missing or has invalid details.", t.Name))
	}
	return r.Invoke(ctx, t, args)
}

// Catalog returns the registered operations split by class, each slice
// sorted by name.
func (r *Registry) Catalog() (safe, gated []Spec) {
	for _, s := range r.Specs() {
		if s.Class == ClassGated {
			gated = append(gated, s)
		} else {
			safe = append(safe, s)
		}
	}
	return safe, gated
}

// Specs returns every registered operation sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Spec())
	}
	slices.SortFunc(out, func(a, b Spec) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Spec returns the catalog view of t.
func (t *Tool) Spec() Spec {
	return Spec{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
		Class:       t.Class,
	}
}
