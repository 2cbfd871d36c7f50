package expressions

import (
	"strings"
	"sync"
)

// Loop condition variables are written as $name. Before compilation the
// sigils are stripped so the name resolves against the evaluation environment.

var dollarCache sync.Map // expression -> rewritten expression

// RewriteDollarVars turns every $name outside a string literal into name.
func RewriteDollarVars(expression string) string {
	if !strings.Contains(expression, "$") {
		return expression
	}
	if v, ok := dollarCache.Load(expression); ok {
		return v.(string)
	}

	var b strings.Builder
	b.Grow(len(expression))

	var quote byte
	for i := 0; i < len(expression); i++ {
		c := expression[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(expression) {
				b.WriteByte(c)
				i++
				b.WriteByte(expression[i])
				continue
			}
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '$' && i+1 < len(expression) && isIdentStart(expression[i+1]):
			continue
		}
		b.WriteByte(c)
	}

	out := b.String()
	dollarCache.Store(expression, out)
	return out
}

// DollarVars lists the distinct $names referenced by expression, in order.
func DollarVars(expression string) []string {
	var names []string
	seen := map[string]bool{}
	var quote byte
	for i := 0; i < len(expression); i++ {
		c := expression[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '$' && i+1 < len(expression) && isIdentStart(expression[i+1]):
			j := i + 1
			for j < len(expression) && isIdentPart(expression[j]) {
				j++
			}
			name := expression[i+1 : j]
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			i = j - 1
		}
	}
	return names
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
