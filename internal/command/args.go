package command

import "strings"

// Args holds the whitespace-separated arguments that follow a command name.
// Out-of-range access yields ok=false instead of panicking, so handlers
// treat missing arguments as an ordinary case.
type Args struct {
	values []string
}

// ParseArgs splits contents on whitespace and drops the leading command token.
func ParseArgs(contents string) Args {
	fields := strings.Fields(contents)
	if len(fields) <= 1 {
		return Args{}
	}
	return Args{values: fields[1:]}
}

// NewArgs builds an argument list from explicit values.
func NewArgs(values ...string) Args {
	return Args{values: append([]string(nil), values...)}
}

// Count returns the number of arguments.
func (a Args) Count() int {
	return len(a.values)
}

// Get returns the argument at index i.
func (a Args) Get(i int) (string, bool) {
	if i < 0 || i >= len(a.values) {
		return "", false
	}
	return a.values[i], true
}
