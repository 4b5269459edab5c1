package util

// formulaPrefixes are leading characters a spreadsheet would evaluate as a formula.
var formulaPrefixes = map[byte]struct{}{
	'=':  {},
	'+':  {},
	'-':  {},
	'@':  {},
	'\t': {},
	'\r': {},
}

// EscapeFormula prefixes a single quote to cells a spreadsheet would otherwise
// treat as a formula.
func EscapeFormula(s string) string {
	if s == "" {
		return s
	}
	if _, ok := formulaPrefixes[s[0]]; ok {
		return "'" + s
	}
	return s
}
