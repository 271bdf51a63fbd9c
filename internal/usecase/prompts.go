package usecase

import (
	"fmt"
	"strings"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
)

const plannerSystem = `You plan research essays. Break the topic into a thesis and a small set of claims.
Each claim lists the evidence it needs, the strongest counter-arguments, and the ids of claims it depends on.
Dependencies must not form a cycle.
Reply with a single JSON object:
{"thesis": "...", "claims": [{"id": "c1", "text": "...", "evidence_needed": ["..."], "counter_arguments": ["..."], "dependencies": []}]}`

const drafterSystem = `You write cited research drafts in LaTeX-flavoured prose.
Cite evidence with \cite{key} using only keys from list_library or add_paper; check them with validate_citations.
Address each claim's counter-arguments explicitly.
Reply with a single JSON object: {"title": "...", "sections": [{"heading": "...", "content": "..."}]}`

func planInstruction(topic string) string {
	return fmt.Sprintf("Topic: %s\n\nProduce the argument map.", topic)
}

func draftInstruction(topic string, args domain.ArgumentMap, support map[string][]string, snap citation.Snapshot, target int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nThesis: %s\n\nClaims:\n", topic, args.Thesis)
	for _, c := range args.Claims {
		fmt.Fprintf(&b, "- [%s] %s\n", c.ID, c.Text)
		if len(c.Dependencies) > 0 {
			fmt.Fprintf(&b, "    depends on: %s\n", strings.Join(c.Dependencies, ", "))
		}
		for _, ca := range c.CounterArguments {
			fmt.Fprintf(&b, "    counter-argument: %s\n", ca)
		}
		if keys := support[c.ID]; len(keys) > 0 {
			fmt.Fprintf(&b, "    supporting keys: %s\n", strings.Join(keys, ", "))
		}
	}
	if snap.Len() > 0 {
		b.WriteString("\nBibliography:\n")
		for _, key := range snap.Keys() {
			e, _ := snap.Entry(key)
			fmt.Fprintf(&b, "- %s: %s (%d)\n", key, e.Title, e.Year)
		}
	}
	if target > 0 {
		fmt.Fprintf(&b, "\nCite at least %d distinct sources.\n", target)
	}
	return b.String()
}
