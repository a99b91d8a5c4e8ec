package autofix

import (
	"strings"

	"github.com/ppiankov/changegate/internal/model"
)

// Failure categories, most specific first.
const (
	CategoryImport       = "import"
	CategorySyntax       = "syntax"
	CategoryIndentation  = "indentation"
	CategoryUndefined    = "undefined"
	CategoryType         = "type"
	CategoryAttribute    = "attribute"
	CategoryFileNotFound = "file_not_found"
	CategoryTimeout      = "timeout"
	CategoryUnknown      = "unknown"
)

type rule struct {
	category string
	match    func(lower string) bool
}

func containsAny(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

// Indentation comes before syntax because IndentationError is a SyntaxError
// subclass whose message mentions neither.
var rules = []rule{
	{CategoryTimeout, containsAny("timed out after", "timeout expired")},
	{CategoryImport, containsAny("modulenotfounderror", "importerror", "no module named", "cannot import name", "cannot find module")},
	{CategoryIndentation, containsAny("indentationerror", "unexpected indent", "expected an indented block", "unindent does not match")},
	{CategorySyntax, containsAny("syntaxerror", "invalid syntax", "syntax error", ": syntax:", "unexpected token")},
	{CategoryUndefined, func(s string) bool {
		return strings.Contains(s, "nameerror") ||
			(strings.Contains(s, "name '") && strings.Contains(s, "is not defined")) ||
			strings.Contains(s, "undefined variable") ||
			strings.Contains(s, "cannot find name")
	}},
	{CategoryAttribute, containsAny("attributeerror", "has no attribute")},
	{CategoryType, containsAny("typeerror", "type error", "is not assignable to", "incompatible type")},
	{CategoryFileNotFound, func(s string) bool {
		return strings.Contains(s, "filenotfounderror") ||
			(strings.Contains(s, "file") && (strings.Contains(s, "not found") || strings.Contains(s, "no such")))
	}},
}

var rootCauses = map[string]string{
	CategoryImport:       "Missing or incorrect imports",
	CategorySyntax:       "Code syntax issues",
	CategoryIndentation:  "Code syntax issues",
	CategoryUndefined:    "Variable or function not defined",
	CategoryType:         "Type mismatch or incorrect object usage",
	CategoryAttribute:    "Type mismatch or incorrect object usage",
	CategoryFileNotFound: "File path or structure issues",
	CategoryTimeout:      "Code hangs or is too slow under test",
	CategoryUnknown:      "Unknown issue, requires manual investigation",
}

// Categorize classifies failure output and returns a root-cause hint.
func Categorize(output string) (category, rootCause string) {
	lower := strings.ToLower(output)
	for _, r := range rules {
		if r.match(lower) {
			return r.category, rootCauses[r.category]
		}
	}
	return CategoryUnknown, rootCauses[CategoryUnknown]
}

// Diagnosis summarizes why a test group failed.
type Diagnosis struct {
	Category  string
	RootCause string
	Stages    []string
}

// Diagnose picks the most specific category across every failing stage.
// A stage that hit its timeout is categorized as a timeout regardless of
// its output.
func Diagnose(failures []model.TestResult) Diagnosis {
	best := len(rules)
	d := Diagnosis{Category: CategoryUnknown}
	for _, f := range failures {
		d.Stages = append(d.Stages, f.Stage)
		cat := CategoryTimeout
		if f.Reason != model.ReasonTimeout {
			cat, _ = Categorize(f.Output)
		}
		if i := rank(cat); i < best {
			best = i
			d.Category = cat
		}
	}
	d.RootCause = rootCauses[d.Category]
	return d
}

func rank(category string) int {
	for i, r := range rules {
		if r.category == category {
			return i
		}
	}
	return len(rules)
}
