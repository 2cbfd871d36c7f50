package expressions

import (
	"sync"

	"github.com/rendis/agentscript/pkg/schema"
)

// programs caches compiled programs by source text. Safe for concurrent use.
type programs[P any] struct {
	mu      sync.RWMutex
	byText  map[string]P
	compile func(string) (P, error)
}

func newPrograms[P any](compile func(string) (P, error)) *programs[P] {
	return &programs[P]{byText: make(map[string]P), compile: compile}
}

func (c *programs[P]) get(text string) (P, error) {
	c.mu.RLock()
	p, ok := c.byText[text]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byText[text]; ok {
		return p, nil
	}
	p, err := c.compile(text)
	if err != nil {
		return p, err
	}
	c.byText[text] = p
	return p, nil
}

func (c *programs[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byText)
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}

// compileError and evalError carry the offending expression in the details.
func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}

func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}
