package cypher

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"lattice-backend/internal/errors"
)

// Template is a named, parameterized read query. Parameters travel as
// $param bindings, never as interpolated text.
type Template struct {
	Name   string
	Cypher string
	// Params are the binding names the matcher must extract for the
	// template to be executable.
	Params []string
}

// builtinTemplates are the known-safe traversals the multi-hop and hybrid
// paths execute without any generated Cypher.
var builtinTemplates = []Template{
	{
		Name: "blast_radius",
		Cypher: `MATCH p = (s:Service {name: $name, tenant_id: $tenant_id})
			<-[:CALLS*1..3]-(caller:Service)
			WHERE all(rel IN relationships(p) WHERE rel.tombstoned_at IS NULL)
			RETURN DISTINCT caller.name AS name, caller.team_owner AS team
			LIMIT $limit`,
		Params: []string{"name"},
	},
	{
		Name: "dependency_count",
		Cypher: `MATCH (s:Service {name: $name, tenant_id: $tenant_id})
			-[r:CALLS]->(dep:Service)
			WHERE r.tombstoned_at IS NULL
			RETURN s.name AS name, count(dep) AS dependency_count`,
		Params: []string{"name"},
	},
	{
		Name: "service_neighbors",
		Cypher: `MATCH (s:Service {name: $name, tenant_id: $tenant_id})
			-[r]-(neighbor)
			WHERE r.tombstoned_at IS NULL
			RETURN type(r) AS relation, neighbor.name AS name
			LIMIT $limit`,
		Params: []string{"name"},
	},
	{
		Name: "topic_consumers",
		Cypher: `MATCH (t:KafkaTopic {name: $name, tenant_id: $tenant_id})
			<-[r:CONSUMES]-(s:Service)
			WHERE r.tombstoned_at IS NULL
			RETURN s.name AS name, s.team_owner AS team`,
		Params: []string{"name"},
	},
	{
		Name: "topic_producers",
		Cypher: `MATCH (t:KafkaTopic {name: $name, tenant_id: $tenant_id})
			<-[r:PRODUCES]-(s:Service)
			WHERE r.tombstoned_at IS NULL
			RETURN s.name AS name, s.team_owner AS team`,
		Params: []string{"name"},
	},
	{
		Name: "service_deployments",
		Cypher: `MATCH (s:Service {name: $name, tenant_id: $tenant_id})
			-[r:DEPLOYED_IN]->(d:K8sDeployment)
			WHERE r.tombstoned_at IS NULL
			RETURN d.name AS deployment, d.namespace AS namespace`,
		Params: []string{"name"},
	},
	{
		Name: "cross_team_dependencies",
		Cypher: `MATCH (s:Service {team_owner: $team, tenant_id: $tenant_id})
			-[r:CALLS]->(dep:Service)
			WHERE r.tombstoned_at IS NULL AND dep.team_owner <> $team
			RETURN s.name AS source, dep.name AS target, dep.team_owner AS team
			LIMIT $limit`,
		Params: []string{"team"},
	},
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeWhitespace collapses runs of whitespace to single spaces and
// trims, so hash identity survives reformatting.
func NormalizeWhitespace(cypher string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(cypher, " "))
}

// HashQuery returns the hex SHA-256 of the whitespace-normalized query.
func HashQuery(cypher string) string {
	sum := sha256.Sum256([]byte(NormalizeWhitespace(cypher)))
	return hex.EncodeToString(sum[:])
}

// Catalog holds the templates and their hash registry.
type Catalog struct {
	byName map[string]Template
	hashes map[string]bool
}

// NewCatalog builds a catalog from the built-in templates.
func NewCatalog() *Catalog {
	return NewCatalogWith(builtinTemplates)
}

// NewCatalogWith builds a catalog from an explicit template set, hashing
// each template's normalized Cypher into the registry.
func NewCatalogWith(templates []Template) *Catalog {
	c := &Catalog{
		byName: make(map[string]Template, len(templates)),
		hashes: make(map[string]bool, len(templates)),
	}
	for _, t := range templates {
		c.byName[t.Name] = t
		c.hashes[HashQuery(t.Cypher)] = true
	}
	return c
}

// Get returns the named template.
func (c *Catalog) Get(name string) (Template, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Names returns the template names.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	return out
}

// Allows reports whether the query's normalized hash is registered.
func (c *Catalog) Allows(cypher string) bool {
	return c.hashes[HashQuery(cypher)]
}

// Sandbox gates execution on the hash registry: only byte-for-byte (modulo
// whitespace) catalog templates pass.
type Sandbox struct {
	catalog *Catalog
}

// NewSandbox creates a sandbox over the catalog.
func NewSandbox(catalog *Catalog) *Sandbox {
	return &Sandbox{catalog: catalog}
}

// Check rejects any Cypher whose normalized hash is not in the registry.
func (s *Sandbox) Check(cypher string) error {
	if !s.catalog.Allows(cypher) {
		return errors.CypherValidation("TEMPLATE_NOT_REGISTERED",
			"query is not a registered template").Build()
	}
	return nil
}

// Match is a successful template match: the template plus the parameter
// bindings extracted from the query text.
type Match struct {
	Template Template
	Params   map[string]any
}

// entityPattern captures a service/topic style identifier: word characters,
// dashes and dots, at least two characters.
const entityPattern = `([\w][\w.-]+)`

type matcherRule struct {
	template string
	pattern  *regexp.Regexp
	// params maps capture-group index (1-based) to parameter name.
	params map[int]string
}

// Matcher regex-maps natural-language query text onto catalog templates.
// Intent without an extractable entity is a non-match: the matcher never
// returns a template it cannot fully bind.
type Matcher struct {
	catalog *Catalog
	rules   []matcherRule
}

// NewMatcher builds the matcher over the catalog's built-in intents.
func NewMatcher(catalog *Catalog) *Matcher {
	compile := func(template, expr string, params map[int]string) matcherRule {
		return matcherRule{
			template: template,
			pattern:  regexp.MustCompile(`(?i)` + expr),
			params:   params,
		}
	}
	return &Matcher{
		catalog: catalog,
		rules: []matcherRule{
			compile("blast_radius",
				`(?:blast\s+radius|impact)\s+(?:of|for)\s+`+entityPattern,
				map[int]string{1: "name"}),
			compile("blast_radius",
				`(?:what|which\s+services?)\s+(?:breaks?|is\s+affected)\s+if\s+`+entityPattern,
				map[int]string{1: "name"}),
			compile("dependency_count",
				`how\s+many\s+(?:dependencies|services)\s+does\s+`+entityPattern+`\s+(?:have|depend)`,
				map[int]string{1: "name"}),
			compile("service_neighbors",
				`(?:neighbors?|connections?)\s+of\s+`+entityPattern,
				map[int]string{1: "name"}),
			compile("topic_consumers",
				`(?:who|which\s+services?)\s+consumes?\s+from\s+`+entityPattern,
				map[int]string{1: "name"}),
			compile("topic_producers",
				`(?:who|which\s+services?)\s+produces?\s+to\s+`+entityPattern,
				map[int]string{1: "name"}),
			compile("service_deployments",
				`where\s+is\s+`+entityPattern+`\s+deployed`,
				map[int]string{1: "name"}),
			compile("cross_team_dependencies",
				`cross.team\s+dependencies\s+(?:of|for)\s+(?:team\s+)?`+entityPattern,
				map[int]string{1: "team"}),
		},
	}
}

// MatchQuery maps query text to a template and its bindings. The first rule
// whose pattern matches and whose required parameters all extract wins.
func (m *Matcher) MatchQuery(text string) (*Match, bool) {
	for _, rule := range m.rules {
		groups := rule.pattern.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		template, ok := m.catalog.Get(rule.template)
		if !ok {
			continue
		}

		params := map[string]any{}
		for idx, name := range rule.params {
			if idx >= len(groups) || strings.TrimSpace(groups[idx]) == "" {
				params = nil
				break
			}
			params[name] = strings.TrimSpace(groups[idx])
		}
		if params == nil {
			continue
		}

		complete := true
		for _, required := range template.Params {
			if _, ok := params[required]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		return &Match{Template: template, Params: params}, true
	}
	return nil, false
}
