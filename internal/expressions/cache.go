package expressions

import "sync"

// programCache memoizes compiled programs by source text. Workflow
// definitions carry a bounded set of expressions, so entries live for
// the life of the process.
type programCache[T any] struct {
	mu       sync.RWMutex
	programs map[string]T
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{programs: make(map[string]T)}
}

// lookup returns the program compiled from src, compiling and storing
// it on first use. Compilation runs outside the lock, so two goroutines
// racing on a new source may both compile; the first store wins and the
// duplicate is discarded.
func (c *programCache[T]) lookup(src string, compile func(string) (T, error)) (T, error) {
	c.mu.RLock()
	prg, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := compile(src)
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.programs[src]; ok {
		return existing, nil
	}
	c.programs[src] = prg
	return prg, nil
}

func (c *programCache[T]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
