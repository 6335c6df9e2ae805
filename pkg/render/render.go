// Package render implements the expression/template renderer used to resolve
// dynamic task parameters. Sources are Go templates with configurable
// delimiters; filter and function names resolve through an ordered namespace
// chain (engine built-ins, then the sprig utility library, then the base
// template engine). Boolean control expressions are evaluated separately by
// the Starlark-based condition evaluator in this package.
package render

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"

	"github.com/Masterminds/sprig/v3"

	"github.com/steward-sh/steward/pkg/lookup"
	"github.com/steward-sh/steward/pkg/telemetry"
)

// Options configures one renderer instance. Renderers with equal options are
// interchangeable; the Cache shares them process-wide.
type Options struct {
	// LeftDelim is the opening interpolation delimiter. Default "{{".
	LeftDelim string

	// RightDelim is the closing interpolation delimiter. Default "}}".
	RightDelim string

	// CommentLeft is the opening comment delimiter. Default "{#". Comment
	// blocks are removed from the source before evaluation.
	CommentLeft string

	// CommentRight is the closing comment delimiter. Default "#}".
	CommentRight string
}

func (o Options) withDefaults() Options {
	if o.LeftDelim == "" {
		o.LeftDelim = "{{"
	}
	if o.RightDelim == "" {
		o.RightDelim = "}}"
	}
	if o.CommentLeft == "" {
		o.CommentLeft = "{#"
	}
	if o.CommentRight == "" {
		o.CommentRight = "#}"
	}
	return o
}

// Key serializes the options for use as a cache key.
func (o Options) Key() string {
	o = o.withDefaults()
	return o.LeftDelim + "\x00" + o.RightDelim + "\x00" + o.CommentLeft + "\x00" + o.CommentRight
}

// Cache shares renderer instances keyed by their serialized options. It is
// read-mostly and safe for concurrent use; it is the only state shared
// between concurrent task-target executions.
type Cache struct {
	// mu protects the renderer map.
	mu sync.RWMutex

	// renderers maps Options.Key() to the shared instance.
	renderers map[string]*Renderer

	// lookups backs the lookup() template function.
	lookups *lookup.Registry

	// metrics records cache hits and misses, optional.
	metrics *telemetry.Metrics
}

// NewCache creates a renderer cache backed by the given lookup registry.
func NewCache(lookups *lookup.Registry, metrics *telemetry.Metrics) *Cache {
	return &Cache{
		renderers: make(map[string]*Renderer),
		lookups:   lookups,
		metrics:   metrics,
	}
}

// Get returns the shared renderer for the given options, constructing it on
// first use.
func (c *Cache) Get(opts Options) *Renderer {
	key := opts.Key()

	c.mu.RLock()
	r, ok := c.renderers[key]
	c.mu.RUnlock()
	if ok {
		if c.metrics != nil {
			c.metrics.RecordRendererCache(true)
		}
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.renderers[key]; ok {
		return r
	}
	r = NewRenderer(opts, c.lookups)
	c.renderers[key] = r
	if c.metrics != nil {
		c.metrics.RecordRendererCache(false)
	}
	return r
}

// Renderer evaluates template sources against a variable mapping.
type Renderer struct {
	opts    Options
	lookups *lookup.Registry

	// comments matches comment blocks, including across newlines.
	comments *regexp.Regexp

	// namespaces is the ordered filter/function resolution chain; the first
	// namespace containing a requested name wins.
	namespaces []template.FuncMap
}

// NewRenderer creates a renderer. Most callers should go through Cache.Get.
func NewRenderer(opts Options, lookups *lookup.Registry) *Renderer {
	r := &Renderer{
		opts:    opts.withDefaults(),
		lookups: lookups,
	}
	r.comments = regexp.MustCompile(
		`(?s)` + regexp.QuoteMeta(r.opts.CommentLeft) + `.*?` + regexp.QuoteMeta(r.opts.CommentRight))
	r.namespaces = []template.FuncMap{
		r.builtins(),
		sprig.FuncMap(),
	}
	return r
}

// funcNotDefined matches the template parser's unknown-function diagnostic.
var funcNotDefined = regexp.MustCompile(`function "([^"]+)" not defined`)

// Evaluate renders source against vars. Comment blocks are stripped first;
// literal strings containing no delimiter tokens then pass through unchanged.
// Evaluation may block on lookups; callers must treat it as a suspend point.
func (r *Renderer) Evaluate(ctx context.Context, source string, vars map[string]interface{}) (string, error) {
	if strings.Contains(source, r.opts.CommentLeft) {
		source = r.comments.ReplaceAllString(source, "")
	}
	if !strings.Contains(source, r.opts.LeftDelim) {
		return source, nil
	}

	funcs := r.resolveFuncs()
	funcs["lookup"] = r.lookupFunc(ctx, vars)

	tmpl, err := template.New("expr").
		Delims(r.opts.LeftDelim, r.opts.RightDelim).
		Option("missingkey=zero").
		Funcs(funcs).
		Parse(source)
	if err != nil {
		if m := funcNotDefined.FindStringSubmatch(err.Error()); m != nil {
			return "", fmt.Errorf("unable to find filter %q", m[1])
		}
		return "", fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, fillMissing(tmpl, vars)); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	return buf.String(), nil
}

// fillMissing returns vars extended so every field chain the template
// references resolves to a value; absent or nil leaves become the empty
// string. Maps along a touched chain are cloned, so the caller's variables
// are never mutated.
func fillMissing(tmpl *template.Template, vars map[string]interface{}) map[string]interface{} {
	var chains [][]string
	collectChains(tmpl.Tree.Root, &chains)
	if len(chains) == 0 {
		return vars
	}

	data := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		data[k] = v
	}
	for _, chain := range chains {
		fillChain(data, chain)
	}
	return data
}

func fillChain(m map[string]interface{}, chain []string) {
	head := chain[0]
	val := m[head]

	if len(chain) == 1 {
		if val == nil {
			m[head] = ""
		}
		return
	}

	var sub map[string]interface{}
	switch v := val.(type) {
	case nil:
		sub = make(map[string]interface{})
	case map[string]interface{}:
		sub = make(map[string]interface{}, len(v))
		for k, vv := range v {
			sub[k] = vv
		}
	default:
		// Field access on a non-map is a legitimate execution error.
		return
	}
	m[head] = sub
	fillChain(sub, chain[1:])
}

// collectChains walks the parsed template and gathers every field access
// chain rooted at the top-level data.
func collectChains(node parse.Node, chains *[][]string) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, item := range n.Nodes {
			collectChains(item, chains)
		}
	case *parse.ActionNode:
		collectPipeChains(n.Pipe, chains)
	case *parse.IfNode:
		collectBranchChains(&n.BranchNode, chains)
	case *parse.RangeNode:
		collectBranchChains(&n.BranchNode, chains)
	case *parse.WithNode:
		collectBranchChains(&n.BranchNode, chains)
	case *parse.TemplateNode:
		collectPipeChains(n.Pipe, chains)
	}
}

func collectBranchChains(b *parse.BranchNode, chains *[][]string) {
	collectPipeChains(b.Pipe, chains)
	collectChains(b.List, chains)
	collectChains(b.ElseList, chains)
}

func collectPipeChains(pipe *parse.PipeNode, chains *[][]string) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			switch a := arg.(type) {
			case *parse.FieldNode:
				*chains = append(*chains, a.Ident)
			case *parse.ChainNode:
				if _, ok := a.Node.(*parse.DotNode); ok {
					*chains = append(*chains, a.Field)
				}
			case *parse.PipeNode:
				collectPipeChains(a, chains)
			}
		}
	}
}

// resolveFuncs folds the namespace chain into one function map, first
// namespace winning on name collisions.
func (r *Renderer) resolveFuncs() template.FuncMap {
	resolved := make(template.FuncMap)
	for _, ns := range r.namespaces {
		for name, fn := range ns {
			if _, taken := resolved[name]; !taken {
				resolved[name] = fn
			}
		}
	}
	return resolved
}

// lookupFunc binds the lookup() template function to the current evaluation's
// context and variables. The final argument may be an options map.
func (r *Renderer) lookupFunc(ctx context.Context, vars map[string]interface{}) interface{} {
	return func(key string, args ...interface{}) (interface{}, error) {
		var opts map[string]interface{}
		if n := len(args); n > 0 {
			if m, ok := args[n-1].(map[string]interface{}); ok {
				opts = m
				args = args[:n-1]
			}
		}
		path := make([]string, 0, len(args))
		for _, a := range args {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("lookup path parts must be strings, got %T", a)
			}
			path = append(path, s)
		}
		val, err := r.lookups.Resolve(ctx, key, path, opts, vars)
		if err != nil {
			return nil, err
		}
		if val == nil {
			// Undefined lookups render as empty, never as "<no value>".
			return "", nil
		}
		return val, nil
	}
}

// builtins returns the engine-local function namespace. These shadow sprig
// functions of the same name.
func (r *Renderer) builtins() template.FuncMap {
	return template.FuncMap{
		"default": func(def, val interface{}) interface{} {
			if val == nil || val == "" {
				return def
			}
			return val
		},
		"join": func(sep string, items []interface{}) string {
			parts := make([]string, len(items))
			for i, it := range items {
				parts[i] = fmt.Sprint(it)
			}
			return strings.Join(parts, sep)
		},
		"split": strings.Split,
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"trim":  strings.TrimSpace,
		"quote": func(v interface{}) string {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		},
		"bool": func(v interface{}) bool {
			return Truthy(v)
		},
	}
}

// Truthy reports whether a value counts as true in a condition: non-empty
// strings other than "false"/"no"/"0", non-zero numbers, true booleans,
// non-empty collections.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "no", "0":
			return false
		}
		return true
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}
