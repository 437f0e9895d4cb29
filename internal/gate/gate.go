package gate

import "rideline/internal/domain"

// Predicate inspects a row and returns a message when the row violates the
// condition it checks, or "" when the row is fine.
type Predicate func(domain.Row) string

// Evaluate runs every error predicate and then every warning predicate, in
// the order given, and collects all messages. It never mutates row.
func Evaluate(row domain.Row, errs, warns []Predicate) domain.ValidationResult {
	return domain.ValidationResult{
		Errors:   collect(row, errs),
		Warnings: collect(row, warns),
	}
}

func collect(row domain.Row, preds []Predicate) []string {
	out := []string{}
	for _, p := range preds {
		if p == nil {
			continue
		}
		if msg := p(row); msg != "" {
			out = append(out, msg)
		}
	}
	return out
}
