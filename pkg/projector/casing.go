package projector

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ToPascalCase converts a snake_case schema identifier into the PascalCase
// name generated parser code uses for types and fields:
// underscores become word breaks, each word is title-cased, spaces are dropped.
func ToPascalCase(id string) string {
	words := strings.ReplaceAll(id, "_", " ")
	// A Caser keeps state between calls, so one is built per conversion.
	titled := cases.Title(language.Und).String(words)
	return strings.ReplaceAll(titled, " ", "")
}
