// Package expand eliminates macro calls from a parsed AST, splicing
// each macro body in at its call site while tagging every note with
// the dual span the editor needs to highlight both the call and the
// definition (spec §4.3).
package expand

import (
	"github.com/RikaKagurasaka/symi/ast"
	"github.com/RikaKagurasaka/symi/diag"
)

// Expand walks root in document order and returns an equivalent tree
// with every ast.MacroCall replaced by its (possibly nested) body.
func Expand(root *ast.Root) (*ast.Root, []diag.Diagnostic) {
	e := &expander{defs: map[string]*macroEnv{}}
	var items []ast.Node
	for _, item := range root.Items {
		switch n := item.(type) {
		case *ast.MacroDef:
			// Bind the name before snapshotting so a self-referencing
			// body resolves to this same definition (letting the call
			// stack catch it as recursion) instead of failing lookup.
			env := &macroEnv{def: n}
			e.defs[n.Name] = env
			env.visible = e.snapshot()
		default:
			items = append(items, e.expandNode(item, nil))
		}
	}
	return &ast.Root{Items: items, Sp: root.Sp}, e.diags
}

// macroEnv pairs a definition with the set of definitions visible at
// the point it was written, so a call inside its body resolves
// lexically against the writer's view of the world, not the caller's.
type macroEnv struct {
	def     *ast.MacroDef
	visible map[string]*macroEnv
}

type expander struct {
	defs  map[string]*macroEnv
	diags []diag.Diagnostic
}

func (e *expander) snapshot() map[string]*macroEnv {
	cp := make(map[string]*macroEnv, len(e.defs))
	for k, v := range e.defs {
		cp[k] = v
	}
	return cp
}

func (e *expander) errorf(from, to int, format string, args ...any) {
	e.diags = append(e.diags, diag.Errorf(from, to, format, args...))
}

// callCtx threads the outermost call's span and call stack (for cycle
// detection) down through nested expansion.
type callCtx struct {
	outerFrom, outerTo int
	relative           bool
	stack              []string
}

func (e *expander) expandNode(n ast.Node, ctx *callCtx) ast.Node {
	switch v := n.(type) {
	case *ast.Root:
		items := make([]ast.Node, len(v.Items))
		for i, it := range v.Items {
			items[i] = e.expandNode(it, ctx)
		}
		return &ast.Root{Items: items, Sp: v.Sp}

	case *ast.GhostLine:
		return &ast.GhostLine{Body: e.expandNode(v.Body, ctx), Sp: v.Sp}

	case *ast.Sequence:
		return e.expandSequence(v, ctx)

	case *ast.Chord:
		voices := make([]ast.Node, len(v.Voices))
		for i, voice := range v.Voices {
			voices[i] = e.expandNode(voice, ctx)
		}
		return &ast.Chord{Voices: voices, Sp: v.Sp}

	case *ast.Group:
		return &ast.Group{Items: e.expandItems(v.Items, ctx), Sp: v.Sp}

	case *ast.AtomRun:
		return &ast.AtomRun{Atoms: e.expandAtoms(v.Atoms, ctx), Sp: v.Sp}

	case *ast.DurationScope:
		return &ast.DurationScope{Num: v.Num, Den: v.Den, Dotted: v.Dotted, Children: e.expandItems(v.Children, ctx), Sp: v.Sp}

	case *ast.Quantize:
		return &ast.Quantize{N: v.N, M: v.M, Children: e.expandItems(v.Children, ctx), Sp: v.Sp}

	case *ast.MacroCall:
		return e.expandCallAsSingleNode(v, ctx)

	default:
		// Notes, Rests, Sustains, ChainOps, and control headers carry
		// no macro calls of their own.
		return n
	}
}

// expandItems expands a slice of sibling nodes, splicing a macro
// call's body in as however many items it produces (the common path,
// used inside DurationScope/Quantize/Group children).
func (e *expander) expandItems(items []ast.Node, ctx *callCtx) []ast.Node {
	var out []ast.Node
	for _, it := range items {
		if call, ok := asPureMacroCall(it); ok {
			out = append(out, e.expandCallSplice(call, ctx)...)
			continue
		}
		out = append(out, e.expandNode(it, ctx))
	}
	return out
}

func (e *expander) expandAtoms(atoms []ast.Node, ctx *callCtx) []ast.Node {
	var out []ast.Node
	for _, a := range atoms {
		if call, ok := a.(*ast.MacroCall); ok {
			out = append(out, e.expandCallInline(call, ctx)...)
			continue
		}
		out = append(out, e.expandNode(a, ctx))
	}
	return out
}

// expandSequence expands a Sequence's items, splicing a bare-call item
// (an Item whose entire content is one MacroCall atom) into however
// many items the macro body contains — this is what lets a one-beat
// call site expand into a multi-beat body (spec §4.3/§4.4).
func (e *expander) expandSequence(seq *ast.Sequence, ctx *callCtx) *ast.Sequence {
	var out []ast.Node
	for _, item := range seq.Items {
		if call, ok := asPureMacroCall(item); ok {
			out = append(out, e.expandCallSplice(call, ctx)...)
			continue
		}
		out = append(out, e.expandNode(item, ctx))
	}
	return &ast.Sequence{Items: out, Sp: seq.Sp}
}

// asPureMacroCall reports whether item is exactly one bare macro call
// (an AtomRun of length 1 holding a MacroCall) — the shape that is
// eligible for multi-item splicing rather than single-atom inlining.
func asPureMacroCall(item ast.Node) (*ast.MacroCall, bool) {
	run, ok := item.(*ast.AtomRun)
	if !ok || len(run.Atoms) != 1 {
		return nil, false
	}
	call, ok := run.Atoms[0].(*ast.MacroCall)
	return call, ok
}

// expandCallInline handles a macro call nested inside a larger AtomSeq
// (e.g. as one of several atoms sharing a quantize slot), where a
// multi-item body can't be spliced at the Sequence level. Its body is
// flattened into a single AtomRun's worth of atoms instead.
func (e *expander) expandCallInline(call *ast.MacroCall, ctx *callCtx) []ast.Node {
	body, newCtx, ok := e.resolveCall(call, ctx)
	if !ok {
		return nil
	}
	var atoms []ast.Node
	for _, item := range body.Items {
		if run, ok := item.(*ast.AtomRun); ok {
			atoms = append(atoms, e.expandAtoms(run.Atoms, newCtx)...)
		} else {
			atoms = append(atoms, e.expandNode(item, newCtx))
		}
	}
	return atoms
}

// expandCallSplice handles a macro call occupying an entire Sequence
// item (or Group/DurationScope/Quantize child slot), producing one
// spliced item per item in the macro's body.
func (e *expander) expandCallSplice(call *ast.MacroCall, ctx *callCtx) []ast.Node {
	body, newCtx, ok := e.resolveCall(call, ctx)
	if !ok {
		return nil
	}
	return e.expandItems(body.Items, newCtx)
}

// expandCallAsSingleNode is reached only when a MacroCall appears
// somewhere expandNode's generic dispatch sees it directly (e.g. as a
// DurationScope's sole child); it degrades to the inline form, wrapped
// in a Group so callers expecting a single Node still get one.
func (e *expander) expandCallAsSingleNode(call *ast.MacroCall, ctx *callCtx) ast.Node {
	atoms := e.expandCallInline(call, ctx)
	return &ast.Group{Items: []ast.Node{&ast.AtomRun{Atoms: atoms, Sp: call.Sp}}, Sp: call.Sp}
}

// resolveCall looks up call.Name, detects recursion, and returns the
// body Sequence (already tagged with its Origin and expanded against
// the definition's environment) plus the callCtx nested expansion of
// that body should use. ok is false if the call produces nothing (undefined
// or recursive).
func (e *expander) resolveCall(call *ast.MacroCall, ctx *callCtx) (*ast.Sequence, *callCtx, bool) {
	env, found := e.defs[call.Name]
	if !found {
		e.errorf(call.Sp.From, call.Sp.To, "undefined macro %q", call.Name)
		return nil, nil, false
	}

	stack := callerStack(ctx)
	for _, name := range stack {
		if name == call.Name {
			e.errorf(call.Sp.From, call.Sp.To, "recursive macro %q", call.Name)
			return nil, nil, false
		}
	}

	outerFrom, outerTo, relative := call.Sp.From, call.Sp.To, env.def.HasRelativeMarker
	if ctx != nil {
		outerFrom, outerTo, relative = ctx.outerFrom, ctx.outerTo, ctx.relative
	}

	newCtx := &callCtx{
		outerFrom: outerFrom,
		outerTo:   outerTo,
		relative:  relative,
		stack:     append(append([]string{}, stack...), call.Name),
	}

	body, ok := env.def.Body.(*ast.Sequence)
	if !ok {
		return &ast.Sequence{}, newCtx, true
	}

	tagged := tagOrigin(body, outerFrom, outerTo, relative)
	seq, _ := tagged.(*ast.Sequence)

	withDefsEnv := &expander{defs: env.visible, diags: nil}
	expandedInner := withDefsEnv.expandSequence(seq, newCtx)
	e.diags = append(e.diags, withDefsEnv.diags...)
	return expandedInner, newCtx, true
}

func callerStack(ctx *callCtx) []string {
	if ctx == nil {
		return nil
	}
	return ctx.stack
}

// tagOrigin deep-clones n, attaching an Origin (defining span = the
// node's own original span, invoking span = the outermost call's
// span) to every Note and ChainOp it contains.
func tagOrigin(n ast.Node, callFrom, callTo int, relative bool) ast.Node {
	origin := func(sp ast.Span) *ast.Origin {
		return &ast.Origin{
			CallFrom: callFrom,
			CallTo:   callTo,
			DefFrom:  sp.From,
			DefTo:    sp.To,
			Relative: relative,
		}
	}

	switch v := n.(type) {
	case *ast.Sequence:
		items := make([]ast.Node, len(v.Items))
		for i, it := range v.Items {
			items[i] = tagOrigin(it, callFrom, callTo, relative)
		}
		return &ast.Sequence{Items: items, Sp: v.Sp}

	case *ast.Chord:
		voices := make([]ast.Node, len(v.Voices))
		for i, voice := range v.Voices {
			voices[i] = tagOrigin(voice, callFrom, callTo, relative)
		}
		return &ast.Chord{Voices: voices, Sp: v.Sp}

	case *ast.Group:
		items := make([]ast.Node, len(v.Items))
		for i, it := range v.Items {
			items[i] = tagOrigin(it, callFrom, callTo, relative)
		}
		return &ast.Group{Items: items, Sp: v.Sp}

	case *ast.AtomRun:
		atoms := make([]ast.Node, len(v.Atoms))
		for i, a := range v.Atoms {
			atoms[i] = tagOrigin(a, callFrom, callTo, relative)
		}
		return &ast.AtomRun{Atoms: atoms, Sp: v.Sp}

	case *ast.DurationScope:
		children := make([]ast.Node, len(v.Children))
		for i, c := range v.Children {
			children[i] = tagOrigin(c, callFrom, callTo, relative)
		}
		return &ast.DurationScope{Num: v.Num, Den: v.Den, Dotted: v.Dotted, Children: children, Sp: v.Sp}

	case *ast.Quantize:
		children := make([]ast.Node, len(v.Children))
		for i, c := range v.Children {
			children[i] = tagOrigin(c, callFrom, callTo, relative)
		}
		return &ast.Quantize{N: v.N, M: v.M, Children: children, Sp: v.Sp}

	case *ast.Note:
		return &ast.Note{Pitch: v.Pitch, Sp: v.Sp, Origin: origin(v.Sp)}

	case *ast.ChainOp:
		return &ast.ChainOp{From: v.From, To: v.To, Sp: v.Sp, Origin: origin(v.Sp)}

	case *ast.Rest:
		return &ast.Rest{Count: v.Count, Sp: v.Sp}

	case *ast.Sustain:
		return &ast.Sustain{Sp: v.Sp}

	case *ast.CommaDuration:
		return &ast.CommaDuration{CommaCount: v.CommaCount, Sp: v.Sp}

	case *ast.MacroCall:
		// Left untouched: expandSequence/expandItems below will resolve
		// it against the defining environment, then this same tagging
		// applies transitively through the nested resolveCall.
		return v

	default:
		return n
	}
}
