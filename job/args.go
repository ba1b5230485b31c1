package job

import (
	"fmt"
	"os"

	"github.com/kballard/go-shellquote"
)

// Arg is a single script argument. An empty Name makes it positional,
// otherwise it is rendered as --Name=Value.
type Arg struct {
	Name  string `yaml:"name,omitempty" toml:"name"`
	Value string `yaml:"value" toml:"value"`
}

// Positional builds a positional argument.
func Positional(value string) Arg {
	return Arg{Value: value}
}

// Named builds a --name=value argument.
func Named(name, value string) Arg {
	return Arg{Name: name, Value: value}
}

// Render returns the argument exactly as the child process receives it.
func (a Arg) Render() string {
	if a.Name == "" {
		return a.Value
	}
	return fmt.Sprintf("--%s=%s", a.Name, a.Value)
}

// Args is an ordered argument list.
type Args []Arg

// Render returns the argv tail in order.
func (a Args) Render() []string {
	out := make([]string, 0, len(a))
	for _, arg := range a {
		out = append(out, arg.Render())
	}
	return out
}

// Expand substitutes $VAR and ${VAR} in every value using lookup. Unknown
// variables expand to the empty string.
func (a Args) Expand(lookup func(string) string) Args {
	out := make(Args, len(a))
	for i, arg := range a {
		out[i] = Arg{Name: arg.Name, Value: os.Expand(arg.Value, lookup)}
	}
	return out
}

// Escaper turns a single argument into a shell-safe word.
type Escaper func(string) string

// ShellEscape quotes a word for POSIX shells.
func ShellEscape(s string) string {
	return shellquote.Join(s)
}
