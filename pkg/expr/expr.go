// Package expr implements the branch-condition expression language used by
// experiment configs. Expressions are parsed once at compile time and
// evaluated against a typed context at runtime. Evaluation is total: only
// parsing can fail.
package expr

import (
	"fmt"
	"strings"
)

// Context carries the values a compiled expression can reference.
// Missing paths evaluate to nil.
type Context struct {
	// UserState resolves user_state.<field> paths.
	UserState map[string]any
	// Event resolves $event.<field> paths (the client payload of the
	// triggering event).
	Event map[string]any
	// Run resolves $run.<field> paths (session metadata).
	Run map[string]any
}

// Node is a parsed expression. A nil Node evaluates to true — an absent
// `when` clause always matches.
type Node struct {
	kind  nodeKind
	op    string
	left  *Node
	right *Node
	value any      // literal nodes
	path  []string // path nodes: root + dotted segments
	src   string   // original source, for diagnostics and hashing
}

type nodeKind int

const (
	nodeLiteral nodeKind = iota
	nodePath
	nodeBinary
)

// Parse parses an expression into its AST. An empty or all-whitespace
// expression parses to nil, which evaluates to true.
func Parse(src string) (*Node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	p := &parser{lex: newLexer(src)}
	if err := p.next(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
	n.src = src
	return n, nil
}

// Evaluate parses and evaluates in one step. Used for one-shot evaluation;
// the compiler prefers Parse + Eval so parsing happens once.
func Evaluate(src string, ctx Context) (any, error) {
	n, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return n.Eval(ctx), nil
}

// Source returns the original expression text.
func (n *Node) Source() string {
	if n == nil {
		return ""
	}
	return n.src
}

// Eval evaluates the expression against ctx. It never fails: type
// mismatches yield false, unknown paths yield nil.
func (n *Node) Eval(ctx Context) any {
	if n == nil {
		return true
	}
	switch n.kind {
	case nodeLiteral:
		return n.value
	case nodePath:
		return resolvePath(ctx, n.path)
	case nodeBinary:
		return n.evalBinary(ctx)
	}
	return nil
}

// EvalBool evaluates the expression and coerces the result by truthiness.
func (n *Node) EvalBool(ctx Context) bool {
	return Truthy(n.Eval(ctx))
}

func (n *Node) evalBinary(ctx Context) any {
	switch n.op {
	case "||":
		// Short-circuit; non-boolean operands coerce by truthiness.
		if Truthy(n.left.Eval(ctx)) {
			return true
		}
		return Truthy(n.right.Eval(ctx))
	case "&&":
		if !Truthy(n.left.Eval(ctx)) {
			return false
		}
		return Truthy(n.right.Eval(ctx))
	}

	l := n.left.Eval(ctx)
	r := n.right.Eval(ctx)
	switch n.op {
	case "==":
		return equal(l, r)
	case "!=":
		return !equal(l, r)
	case "<", "<=", ">", ">=":
		return order(n.op, l, r)
	}
	return nil
}

// Truthy reports the boolean coercion of a value: nil, zero numbers, and
// empty strings are false; everything else is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int64:
		return x != 0
	case float64:
		return x != 0
	case int:
		return x != 0
	default:
		return true
	}
}

// equal compares two values. Numeric subtypes compare by value; any other
// cross-type comparison is false.
func equal(l, r any) bool {
	if lf, lok := asNumber(l); lok {
		if rf, rok := asNumber(r); rok {
			return lf == rf
		}
		return false
	}
	switch lv := l.(type) {
	case nil:
		return r == nil
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	}
	return false
}

// order applies an ordering operator. Defined only for two numbers or two
// strings (lexicographic); anything else is false.
func order(op string, l, r any) bool {
	if lf, lok := asNumber(l); lok {
		if rf, rok := asNumber(r); rok {
			switch op {
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			}
		}
		return false
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return false
	}
	switch op {
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

func resolvePath(ctx Context, path []string) any {
	if len(path) < 2 {
		return nil
	}
	var root map[string]any
	switch path[0] {
	case "user_state":
		root = ctx.UserState
	case "$event":
		root = ctx.Event
	case "$run":
		root = ctx.Run
	default:
		return nil
	}
	var cur any = root
	for _, seg := range path[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}
