// Package bestpractice evaluates a closed set of checks over an analysis
// result.
package bestpractice

import (
	"fmt"
	"strings"

	"firestige.xyz/tracelens/pkg/model"
)

type (
	Verdict = model.Verdict
	Finding = model.Finding
	Result  = model.Result
)

const (
	VerdictPass          = model.VerdictPass
	VerdictWarn          = model.VerdictWarn
	VerdictFail          = model.VerdictFail
	VerdictNotApplicable = model.VerdictNotApplicable
)

// Analyzer is a single check over the reconstructed model. Evaluate must not
// modify the model.
type Analyzer interface {
	Name() string
	Evaluate(m *model.Model) Result
}

// Builtin returns every built-in analyzer.
func Builtin() []Analyzer {
	return []Analyzer{
		TextCompression{MinBytes: defaultMinCompressBytes},
		DuplicateContent{},
		PeriodicTransfers{},
		TLSVisibility{},
	}
}

// Lookup resolves analyzer names. An empty list selects every built-in one.
func Lookup(names []string) ([]Analyzer, error) {
	all := Builtin()
	if len(names) == 0 {
		return all, nil
	}
	out := make([]Analyzer, 0, len(names))
	for _, name := range names {
		var found Analyzer
		for _, a := range all {
			if strings.EqualFold(a.Name(), strings.TrimSpace(name)) {
				found = a
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("unknown analyzer %q", name)
		}
		out = append(out, found)
	}
	return out, nil
}

// Run evaluates the analyzers in order. With no analyzers every built-in
// one runs.
func Run(m *model.Model, analyzers ...Analyzer) []Result {
	if len(analyzers) == 0 {
		analyzers = Builtin()
	}
	results := make([]Result, 0, len(analyzers))
	for _, a := range analyzers {
		r := a.Evaluate(m)
		r.Analyzer = a.Name()
		results = append(results, r)
	}
	return results
}
