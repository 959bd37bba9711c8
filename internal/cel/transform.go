package cel

import (
	"regexp"
	"strings"
)

var (
	quotedRe   = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
	andRe      = regexp.MustCompile(`\band\b`)
	orRe       = regexp.MustCompile(`\bor\b`)
	notRe      = regexp.MustCompile(`\bnot\s+`)
	ioAttrRe   = regexp.MustCompile(`\b_io\.(size|pos|eof)\b`)
	lengthRe   = regexp.MustCompile(`([A-Za-z_][\w.]*)\.(length|size)\b`)
	toIntRe    = regexp.MustCompile(`([A-Za-z_][\w.]*)\.to_i\b`)
	loneItemRe = regexp.MustCompile(`(^|[^\w.\]])_($|[^\w])`)
)

// ItemVar is the variable that stands for `_` (the current item) in
// repeat-until expressions.
const ItemVar = "_it"

// TransformKaitaiExpression rewrites Kaitai expression syntax into CEL.
// Quoted string literals are left untouched.
func TransformKaitaiExpression(expr string) string {
	var out strings.Builder
	last := 0
	for _, loc := range quotedRe.FindAllStringIndex(expr, -1) {
		out.WriteString(transformCode(expr[last:loc[0]]))
		out.WriteString(expr[loc[0]:loc[1]])
		last = loc[1]
	}
	out.WriteString(transformCode(expr[last:]))
	return strings.TrimSpace(out.String())
}

func transformCode(code string) string {
	code = andRe.ReplaceAllString(code, "&&")
	code = orRe.ReplaceAllString(code, "||")
	code = notRe.ReplaceAllString(code, "!")
	code = ioAttrRe.ReplaceAllString(code, `_io["$1"]`)
	code = lengthRe.ReplaceAllString(code, "size($1)")
	code = toIntRe.ReplaceAllString(code, "int($1)")
	// A match consumes the character after `_`, so adjacent items need a
	// second pass.
	for range 2 {
		code = loneItemRe.ReplaceAllString(code, "${1}"+ItemVar+"${2}")
	}
	return code
}

var celReserved = map[string]bool{
	"true": true, "false": true, "null": true,
	"in": true, "as": true, "break": true, "const": true, "continue": true,
	"else": true, "for": true, "function": true, "if": true, "import": true,
	"let": true, "loop": true, "package": true, "namespace": true,
	"return": true, "var": true, "void": true, "while": true,
}

// extractVariables lists top-level identifiers of a CEL expression: words
// not preceded by '.' (field selection) and not followed by '(' (calls).
func extractVariables(expr string) []string {
	var vars []string
	seen := make(map[string]bool)

	stripped := quotedRe.ReplaceAllStringFunc(expr, func(s string) string {
		return strings.Repeat(" ", len(s))
	})

	isWord := func(c byte) bool {
		return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
	}
	for i := 0; i < len(stripped); {
		if !isWord(stripped[i]) {
			i++
			continue
		}
		start := i
		for i < len(stripped) && isWord(stripped[i]) {
			i++
		}
		word := stripped[start:i]
		if word[0] >= '0' && word[0] <= '9' {
			continue
		}
		if start > 0 && stripped[start-1] == '.' {
			continue
		}
		j := i
		for j < len(stripped) && stripped[j] == ' ' {
			j++
		}
		if j < len(stripped) && stripped[j] == '(' {
			continue
		}
		if celReserved[word] || seen[word] {
			continue
		}
		seen[word] = true
		vars = append(vars, word)
	}
	return vars
}
