package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Op selects what a Statement does.
type Op int

const (
	// OpMerge creates the node identified by Key when absent (applying
	// OnCreate), then unconditionally applies Set.
	OpMerge Op = iota
	// OpUpdate applies Set to the nodes matching Key. No match is not an error.
	OpUpdate
	// OpCreate inserts a node with Key and Set. An existing node with the
	// same Key is a conflict.
	OpCreate
	// OpMatch returns every node whose properties equal Key, ordered by OrderBy.
	OpMatch
)

func (o Op) String() string {
	switch o {
	case OpMerge:
		return "merge"
	case OpUpdate:
		return "update"
	case OpCreate:
		return "create"
	case OpMatch:
		return "match"
	default:
		return "op(" + strconv.Itoa(int(o)) + ")"
	}
}

// Props is a node property map. Values are scalars, time.Time or strings;
// nested structures are serialized by the caller.
type Props map[string]any

// Statement is a parameterized single-node graph operation.
type Statement struct {
	Op       Op
	Label    string
	Key      Props
	OnCreate Props
	Set      Props
	OrderBy  []string
	Limit    int
}

// Result carries the properties of every node the statement touched.
type Result struct {
	Records []Props
	Created bool
}

// First returns the first record, if any.
func (r Result) First() (Props, bool) {
	if len(r.Records) == 0 {
		return nil, false
	}
	return r.Records[0], true
}

// Merge builds an OpMerge statement.
func Merge(label string, key Props) Statement {
	return Statement{Op: OpMerge, Label: label, Key: key}
}

// Update builds an OpUpdate statement.
func Update(label string, key, set Props) Statement {
	return Statement{Op: OpUpdate, Label: label, Key: key, Set: set}
}

// Create builds an OpCreate statement.
func Create(label string, key, props Props) Statement {
	return Statement{Op: OpCreate, Label: label, Key: key, Set: props}
}

// Match builds an OpMatch statement.
func Match(label string, filter Props, orderBy ...string) Statement {
	return Statement{Op: OpMatch, Label: label, Key: filter, OrderBy: orderBy}
}

// WithOnCreate sets properties written only when a merge creates the node.
func (s Statement) WithOnCreate(p Props) Statement {
	s.OnCreate = p
	return s
}

// WithSet sets properties written on every merge or update.
func (s Statement) WithSet(p Props) Statement {
	s.Set = p
	return s
}

// WithLimit caps the records returned by a match.
func (s Statement) WithLimit(n int) Statement {
	s.Limit = n
	return s
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks labels and property names so they can be spliced into
// query text; values always travel as parameters.
func (s Statement) Validate() error {
	if !identRe.MatchString(s.Label) {
		return fmt.Errorf("invalid label %q", s.Label)
	}
	if s.Op != OpMatch && len(s.Key) == 0 {
		return fmt.Errorf("%s %s: key is required", s.Op, s.Label)
	}
	for _, p := range []Props{s.Key, s.OnCreate, s.Set} {
		for k := range p {
			if !identRe.MatchString(k) {
				return fmt.Errorf("invalid property %q", k)
			}
		}
	}
	for _, k := range s.OrderBy {
		if !identRe.MatchString(k) {
			return fmt.Errorf("invalid order property %q", k)
		}
	}
	if s.Limit < 0 {
		return fmt.Errorf("negative limit %d", s.Limit)
	}
	return nil
}

// Cypher renders the statement and its parameter map.
func (s Statement) Cypher() (string, map[string]any, error) {
	if err := s.Validate(); err != nil {
		return "", nil, err
	}
	params := make(map[string]any)
	var b strings.Builder

	pattern := fmt.Sprintf("(n:%s%s)", s.Label, inlineProps("k_", s.Key, params))
	switch s.Op {
	case OpMerge:
		b.WriteString("MERGE " + pattern)
		if len(s.OnCreate) > 0 {
			b.WriteString(" ON CREATE SET " + setClause("c_", s.OnCreate, params))
		}
		if len(s.Set) > 0 {
			b.WriteString(" SET " + setClause("s_", s.Set, params))
		}
	case OpUpdate:
		b.WriteString("MATCH " + pattern)
		if len(s.Set) > 0 {
			b.WriteString(" SET " + setClause("s_", s.Set, params))
		}
	case OpCreate:
		b.WriteString("CREATE " + pattern)
		if len(s.Set) > 0 {
			b.WriteString(" SET " + setClause("s_", s.Set, params))
		}
	case OpMatch:
		b.WriteString("MATCH " + pattern)
	default:
		return "", nil, fmt.Errorf("unknown op %d", s.Op)
	}
	b.WriteString(" RETURN properties(n) AS n")
	if s.Op == OpMatch {
		if len(s.OrderBy) > 0 {
			order := make([]string, len(s.OrderBy))
			for i, k := range s.OrderBy {
				order[i] = "n." + k
			}
			b.WriteString(" ORDER BY " + strings.Join(order, ", "))
		}
		if s.Limit > 0 {
			b.WriteString(" LIMIT " + strconv.Itoa(s.Limit))
		}
	}
	return b.String(), params, nil
}

func inlineProps(prefix string, p Props, params map[string]any) string {
	if len(p) == 0 {
		return ""
	}
	keys := sortedKeys(p)
	parts := make([]string, len(keys))
	for i, k := range keys {
		params[prefix+k] = p[k]
		parts[i] = fmt.Sprintf("%s: $%s%s", k, prefix, k)
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

func setClause(prefix string, p Props, params map[string]any) string {
	keys := sortedKeys(p)
	parts := make([]string, len(keys))
	for i, k := range keys {
		params[prefix+k] = p[k]
		parts[i] = fmt.Sprintf("n.%s = $%s%s", k, prefix, k)
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(p Props) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// merged returns a new map holding every entry of ps, later maps winning.
func merged(ps ...Props) Props {
	out := make(Props)
	for _, p := range ps {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}
