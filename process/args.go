package process

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitArgs splits a user supplied argument string the way a POSIX shell
// would, without ever invoking one.
func SplitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs rejects shell metacharacters and any argument listed in
// denied. Metacharacters are harmless to exec but almost always mean the
// user pasted a shell pipeline.
func ValidateArgs(args []string, denied ...string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$<>\n") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		name := arg
		if i := strings.IndexByte(arg, '='); i > 0 && strings.HasPrefix(arg, "--") {
			name = arg[:i]
		}
		for _, d := range denied {
			if name == d {
				return fmt.Errorf("argument not allowed: %s", d)
			}
		}
	}
	return nil
}

// ExtraArgs splits and validates an extra-arguments setting in one step.
func ExtraArgs(s string, denied ...string) ([]string, error) {
	args, err := SplitArgs(s)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args, denied...); err != nil {
		return nil, err
	}
	return args, nil
}
