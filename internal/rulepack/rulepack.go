// Package rulepack loads the versioned knockout rule pack. A pack is an
// ordered list of categories, each holding ordered regex patterns with
// optional anti-patterns; ordering encodes precedence and is preserved
// exactly as written. Packs are read-only after loading.
package rulepack

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Disposition is what a fired category means for the verdict.
type Disposition string

const (
	// DispositionNoGo knocks the opportunity out.
	DispositionNoGo Disposition = "NO-GO"
	// DispositionReview flags the opportunity for the human reader without
	// knocking it out.
	DispositionReview Disposition = "REVIEW"
)

// Pattern is one compiled knockout rule.
type Pattern struct {
	ID        string
	Regex     *regexp.Regexp
	Rationale string
	// AntiPatterns suppress the rule: if any matches the same record, the
	// rule does not fire. Anti-patterns are local to the owning category.
	AntiPatterns []*regexp.Regexp
}

// Category is an ordered group of patterns sharing a disposition.
type Category struct {
	ID          string
	Name        string
	Disposition Disposition
	Patterns    []Pattern
}

// Pack is a loaded, compiled rule pack.
type Pack struct {
	version    string
	Categories []Category
}

// Version returns the pack version recorded in every verdict.
func (p *Pack) Version() string { return p.version }

// yaml document shapes

type packDoc struct {
	Version    string        `yaml:"version"`
	Categories []categoryDoc `yaml:"categories"`
}

type categoryDoc struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Disposition string       `yaml:"disposition"`
	Patterns    []patternDoc `yaml:"patterns"`
}

type patternDoc struct {
	ID           string   `yaml:"id"`
	Regex        string   `yaml:"regex"`
	Rationale    string   `yaml:"rationale"`
	AntiPatterns []string `yaml:"anti_patterns"`
}

// Load reads and compiles a pack from a YAML file. The whole pack is
// rejected if any regex fails to compile or any id is duplicated; the
// diagnostic names the offending rule.
func Load(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule pack: %w", err)
	}
	return Parse(data)
}

// Parse compiles a pack from raw YAML.
func Parse(data []byte) (*Pack, error) {
	var doc packDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule pack: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("rule pack has no version")
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("rule pack %s has no categories", doc.Version)
	}

	pack := &Pack{version: doc.Version}
	seenCat := make(map[string]bool)
	seenPat := make(map[string]bool)

	for _, cd := range doc.Categories {
		if cd.ID == "" {
			return nil, fmt.Errorf("rule pack %s: category with empty id", doc.Version)
		}
		if seenCat[cd.ID] {
			return nil, fmt.Errorf("rule pack %s: duplicate category id %q", doc.Version, cd.ID)
		}
		seenCat[cd.ID] = true

		disp := Disposition(cd.Disposition)
		if disp != DispositionNoGo && disp != DispositionReview {
			return nil, fmt.Errorf("category %q: invalid disposition %q", cd.ID, cd.Disposition)
		}

		cat := Category{ID: cd.ID, Name: cd.Name, Disposition: disp}
		for _, pd := range cd.Patterns {
			if pd.ID == "" {
				return nil, fmt.Errorf("category %q: pattern with empty id", cd.ID)
			}
			if seenPat[pd.ID] {
				return nil, fmt.Errorf("duplicate pattern id %q", pd.ID)
			}
			seenPat[pd.ID] = true

			re, err := compile(pd.Regex)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", pd.ID, err)
			}

			p := Pattern{ID: pd.ID, Regex: re, Rationale: pd.Rationale}
			for i, anti := range pd.AntiPatterns {
				are, err := compile(anti)
				if err != nil {
					return nil, fmt.Errorf("rule %q anti-pattern %d: %w", pd.ID, i, err)
				}
				p.AntiPatterns = append(p.AntiPatterns, are)
			}
			cat.Patterns = append(cat.Patterns, p)
		}
		pack.Categories = append(pack.Categories, cat)
	}

	return pack, nil
}

// compile builds a case-insensitive, multiline regex. Go's regexp is
// Unicode-aware by default.
func compile(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty regex")
	}
	re, err := regexp.Compile("(?im)" + expr)
	if err != nil {
		return nil, fmt.Errorf("regex does not compile: %w", err)
	}
	return re, nil
}
