package graph

import (
	"errors"
	"testing"
)

func buildNestedProcess(t *testing.T) *Definition {
	t.Helper()

	b := NewBuilder("claims")
	b.Start("start").To("handling")
	b.SuperState("handling", func(b *Builder) {
		b.State("triage").To("assess")
		b.SuperState("assess", func(b *Builder) {
			b.State("collect").To("verify")
			b.State("verify").To("settled")
		}).Transition("abort", "rejected")
	}).Transition("cancel", "rejected")
	b.State("settled").To("done")
	b.State("rejected").To("done")
	b.End("done")

	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return def
}

func TestDefinition_PathAndFindNode(t *testing.T) {
	def := buildNestedProcess(t)

	verify, err := def.FindNode("handling/assess/verify")
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	if got := def.Path(verify.ID); got != "handling/assess/verify" {
		t.Fatalf("Path: got %q", got)
	}

	// Unique bare names resolve without a path.
	if _, err := def.FindNode("triage"); err != nil {
		t.Fatalf("FindNode(triage): %v", err)
	}

	if _, err := def.FindNode("ghost"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestDefinition_Enclosing(t *testing.T) {
	def := buildNestedProcess(t)

	verify, _ := def.FindNode("handling/assess/verify")
	chain := def.Enclosing(verify.ID)
	if len(chain) != 2 {
		t.Fatalf("expected 2 enclosing super-states, got %d", len(chain))
	}
	if def.Node(chain[0]).Name != "assess" || def.Node(chain[1]).Name != "handling" {
		t.Fatalf("expected innermost-first chain assess,handling; got %q,%q",
			def.Node(chain[0]).Name, def.Node(chain[1]).Name)
	}

	handling, _ := def.FindNode("handling")
	if !def.Encloses(handling.ID, verify.ID) {
		t.Fatalf("expected handling to enclose verify")
	}
	if def.Encloses(verify.ID, handling.ID) {
		t.Fatalf("verify must not enclose handling")
	}
}

func TestDefinition_ResolveLeaving(t *testing.T) {
	def := buildNestedProcess(t)
	verify, _ := def.FindNode("handling/assess/verify")

	// The node's own default transition wins.
	src, tr, ok := def.ResolveLeaving(verify.ID, "")
	if !ok || src != verify.ID {
		t.Fatalf("expected default transition from verify itself")
	}
	if def.Node(tr.To).Name != "settled" {
		t.Fatalf("expected verify -> settled, got %q", def.Node(tr.To).Name)
	}

	// Named transitions are found on enclosing super-states, innermost
	// first.
	src, tr, ok = def.ResolveLeaving(verify.ID, "abort")
	if !ok {
		t.Fatalf("expected 'abort' to resolve via assess")
	}
	if def.Node(src).Name != "assess" || def.Node(tr.To).Name != "rejected" {
		t.Fatalf("expected abort to leave assess for rejected, got %q -> %q",
			def.Node(src).Name, def.Node(tr.To).Name)
	}

	src, _, ok = def.ResolveLeaving(verify.ID, "cancel")
	if !ok || def.Node(src).Name != "handling" {
		t.Fatalf("expected 'cancel' to resolve via handling")
	}

	if _, _, ok := def.ResolveLeaving(verify.ID, "no-such"); ok {
		t.Fatalf("expected unknown transition to not resolve")
	}
}

func TestNode_DefaultTransition(t *testing.T) {
	b := NewBuilder("pick")
	b.Start("start").
		Transition("named", "a").
		To("b")
	b.End("a")
	b.End("b")

	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// The unnamed transition is the default even when declared later.
	tr, ok := def.Start().DefaultTransition()
	if !ok || def.Node(tr.To).Name != "b" {
		t.Fatalf("expected unnamed default to b")
	}
}
