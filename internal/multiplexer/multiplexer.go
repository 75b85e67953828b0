// Package multiplexer implements C3: resolving an inbound model identifier
// (possibly an alias, possibly upstream-prefixed) to a concrete (upstream,
// model) pair across every upstream's cached catalog.
//
// Grounded on original_source/routstr/algorithm.py's should_prefer_model /
// get_provider_penalty / create_model_mappings, restated against the
// literal alias-priority and cost-score formulas in the spec rather than
// algorithm.py's TYPICAL_TOKENS-weighted score — and on the teacher's
// internal/llm/registry.go provider-lookup idiom for the registry shape.
package multiplexer

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jmylchreest/proxyd/internal/catalog"
	"github.com/jmylchreest/proxyd/internal/models"
)

// openRouterPenalty is the soft multiplier applied to OpenRouter's cost
// score so an otherwise-tied non-OpenRouter provider wins.
const openRouterPenalty = 1.001

var datedSuffixRE = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)

// Candidate is one (upstream, model) pair that can serve a requested id.
type Candidate struct {
	Upstream *models.Upstream
	Model    *models.Model
}

// UpstreamLister supplies the configured upstreams to search. Satisfied by
// *upstream.Cache (an in-memory snapshot of the upstream repository) or a
// plain slice type.
type UpstreamLister interface {
	ListUpstreams() []*models.Upstream
}

// Multiplexer resolves requested model ids against a catalog.
type Multiplexer struct {
	catalog   *catalog.Catalog
	upstreams UpstreamLister
}

// New constructs a Multiplexer.
func New(cat *catalog.Catalog, upstreams UpstreamLister) *Multiplexer {
	return &Multiplexer{catalog: cat, upstreams: upstreams}
}

// aliasesFor returns every identifier that should resolve to m, per spec
// §4.3: canonical id, prefix-stripped canonical id, canonical slug
// (and its prefix-stripped form), alias_ids, and the dated-suffix-stripped
// variant of each of those.
func aliasesFor(m *models.Model) map[string]bool {
	set := make(map[string]bool)
	add := func(id string) {
		if id == "" {
			return
		}
		set[id] = true
		if stripped := datedSuffixRE.ReplaceAllString(id, ""); stripped != id {
			set[stripped] = true
		}
	}

	add(m.ID)
	add(stripProviderPrefix(m.ID))
	add(m.CanonicalSlug)
	add(stripProviderPrefix(m.CanonicalSlug))
	for _, alias := range m.AliasIDs {
		add(alias)
		add(stripProviderPrefix(alias))
	}
	return set
}

func stripProviderPrefix(id string) string {
	if idx := strings.Index(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// Resolve finds the best (upstream, model) match for a requested id. If the
// id is of the pinned form "<upstream>/<id>" and that upstream has a model
// matching the remainder, that pin wins outright. Otherwise every upstream's
// catalog is searched, alias-priority is computed per candidate, and ties
// are broken by ascending cost score (OpenRouter penalized).
func (m *Multiplexer) Resolve(requested string) (*Candidate, bool) {
	upstreams := m.upstreams.ListUpstreams()

	if pinned, ok := m.resolvePinned(requested, upstreams); ok {
		return pinned, true
	}

	candidates := m.collectCandidates(requested, upstreams)
	if len(candidates) == 0 {
		return nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := aliasPriority(requested, candidates[i].Model), aliasPriority(requested, candidates[j].Model)
		if pi != pj {
			return pi > pj
		}
		return costScore(candidates[i]) < costScore(candidates[j])
	})
	return &candidates[0], true
}

func (m *Multiplexer) resolvePinned(requested string, upstreams []*models.Upstream) (*Candidate, bool) {
	idx := strings.Index(requested, "/")
	if idx < 0 {
		return nil, false
	}
	upstreamID, rest := requested[:idx], requested[idx+1:]
	for _, u := range upstreams {
		if u.ID != upstreamID {
			continue
		}
		for _, mm := range m.catalog.ModelsForUpstream(u.ID) {
			if aliasesFor(mm)[rest] || mm.ID == rest {
				return &Candidate{Upstream: u, Model: mm}, true
			}
		}
	}
	return nil, false
}

// collectCandidates walks non-OpenRouter upstreams before OpenRouter ones,
// per spec's "non-OpenRouter providers are iterated first for
// determinism" — with an equal cost score, stable sort preserves this
// iteration order ahead of the OpenRouter penalty breaking remaining ties.
func (m *Multiplexer) collectCandidates(requested string, upstreams []*models.Upstream) []Candidate {
	ordered := make([]*models.Upstream, 0, len(upstreams))
	for _, u := range upstreams {
		if u.ProviderType != models.ProviderOpenRouter {
			ordered = append(ordered, u)
		}
	}
	for _, u := range upstreams {
		if u.ProviderType == models.ProviderOpenRouter {
			ordered = append(ordered, u)
		}
	}

	var out []Candidate
	for _, u := range ordered {
		for _, mm := range m.catalog.ModelsForUpstream(u.ID) {
			if aliasesFor(mm)[requested] {
				out = append(out, Candidate{Upstream: u, Model: mm})
			}
		}
	}
	return out
}

// aliasPriority is 3 for an exact match on the model's bare (prefix-stripped)
// id, 2 for a match on its canonical slug, 1 otherwise.
func aliasPriority(requested string, m *models.Model) int {
	bare := stripProviderPrefix(m.ID)
	barePriority := false
	if requested == m.ID || requested == bare || datedSuffixRE.ReplaceAllString(bare, "") == requested {
		barePriority = true
	}
	if barePriority {
		return 3
	}
	slug := stripProviderPrefix(m.CanonicalSlug)
	if m.CanonicalSlug != "" && (requested == m.CanonicalSlug || requested == slug) {
		return 2
	}
	return 1
}

// costScore implements spec §4.3's tie-break formula over fee-adjusted USD
// pricing, with OpenRouter's soft penalty applied last.
func costScore(c Candidate) float64 {
	p := c.Model.USD
	score := p.Prompt*1000 + p.Completion*500 + p.Request + 0.1*p.Image + 0.1*p.WebSearch + 0.2*p.InternalReasoning
	if c.Upstream.ProviderType == models.ProviderOpenRouter {
		score *= openRouterPenalty
	}
	return score
}
