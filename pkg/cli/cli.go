// Package cli holds the argument handling shared by the tool binaries.
package cli

import (
	"flag"
	"io"
	"strings"
	"unicode"
)

// NewFlagSet returns a flag set that reports errors to the caller instead of
// printing or exiting.
func NewFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// JoinValues folds unquoted multi-word flag values into one argument, so
// `--purpose debug prod --ttl 2h` parses like `--purpose "debug prod" --ttl 2h`.
// Flags named in bools never take a following value.
func JoinValues(args []string, bools ...string) []string {
	isBool := map[string]bool{}
	for _, b := range bools {
		isBool[b] = true
	}
	out := make([]string, 0, len(args))
	valueAt := -1
	expecting := false
	for _, arg := range args {
		if name, ok := flagName(arg); ok {
			out = append(out, arg)
			valueAt, expecting = -1, false
			switch {
			case isBool[name]:
			case strings.Contains(arg, "="):
				valueAt = len(out) - 1
			default:
				expecting = true
			}
			continue
		}
		switch {
		case expecting:
			out = append(out, arg)
			valueAt = len(out) - 1
			expecting = false
		case valueAt >= 0:
			out[valueAt] += " " + arg
		default:
			out = append(out, arg)
		}
	}
	return out
}

// flagName reports whether arg is -name or --name. Words such as "-" or
// "-5m" are values.
func flagName(arg string) (string, bool) {
	name := strings.TrimPrefix(strings.TrimPrefix(arg, "-"), "-")
	if name == arg || name == "" || !unicode.IsLetter(rune(name[0])) {
		return "", false
	}
	if i := strings.IndexByte(name, '='); i >= 0 {
		name = name[:i]
	}
	return name, true
}
