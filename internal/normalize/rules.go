package normalize

import (
	"bytes"
	_ "embed" // default ruleset
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Rules are the static normalization rules.  They define the schema of
// the exported table and must stay the same across runs that write into
// the same table.
type Rules struct {
	Version       int                   `yaml:"version" validate:"min=1"`
	DropKeys      []string              `yaml:"dropKeys" validate:"dive,required"`
	RenameColumns map[string]string     `yaml:"renameColumns" validate:"dive,keys,required,endkeys,required"`
	ColumnTypes   map[string]ColumnType `yaml:"columnTypes" validate:"dive,keys,required,endkeys,oneof=float int string bool timestamp"`
}

var (
	//go:embed default_rules.yaml
	defaultRulesYAML []byte

	ErrReadRules   = errors.New("failed to read rules file")
	ErrParseRules  = errors.New("failed to parse rules")
	ErrInvalidRule = errors.New("invalid rules")

	validate = validator.New()
)

// DefaultRules returns the embedded default ruleset.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads, parses, and validates the rules file at path.
func LoadRules(path string) (*Rules, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadRules, err)
	}
	rules, err := ParseRules(contents)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	verbose("loaded rules version %d from %v", rules.Version, path)
	return rules, nil
}

// ParseRules parses and validates rules in YAML format.  Unknown keys
// are rejected so a typo cannot silently change the table schema.
func ParseRules(contents []byte) (*Rules, error) {
	rules := &Rules{}
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseRules, err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Validate checks the rules are internally consistent.
func (r *Rules) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	targets := make(map[string]string, len(r.RenameColumns))
	for _, src := range sortedKeys(r.RenameColumns) {
		dst := r.RenameColumns[src]
		if other, ok := targets[dst]; ok {
			return fmt.Errorf("%w: %q and %q both rename to %q", ErrInvalidRule, other, src, dst)
		}
		targets[dst] = src
	}
	return nil
}

// VersionString returns the ruleset version for file metadata.
func (r *Rules) VersionString() string {
	return strconv.Itoa(r.Version)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
