package git

import (
	"fmt"
	"strings"
)

// SubCmd represents a specific git command
type SubCmd struct {
	Name        string   // e.g. "fetch"
	Flags       []Option // optional flags before the positional args
	Args        []string // positional args after all flags
	PostSepArgs []string // post separator (i.e. "--") positional args
}

// CommandArgs checks all arguments in the sub command and validates them,
// returning the array of all arguments required to execute it.
func (sc SubCmd) CommandArgs() ([]string, error) {
	if sc.Name == "" || strings.HasPrefix(sc.Name, "-") {
		return nil, fmt.Errorf("invalid sub command name %q: %w", sc.Name, ErrInvalidArg)
	}

	args := []string{sc.Name}

	for _, o := range sc.Flags {
		flagArgs, err := o.OptionArgs()
		if err != nil {
			return nil, err
		}
		args = append(args, flagArgs...)
	}

	for _, a := range sc.Args {
		if err := validatePositionalArg(a); err != nil {
			return nil, err
		}
	}
	args = append(args, sc.Args...)

	if len(sc.PostSepArgs) > 0 {
		args = append(args, "--")
	}

	// post separator args do not need any validation
	args = append(args, sc.PostSepArgs...)

	return args, nil
}

func validatePositionalArg(arg string) error {
	if strings.HasPrefix(arg, "-") {
		return fmt.Errorf("positional arg %q cannot start with dash '-': %w", arg, ErrInvalidArg)
	}
	return nil
}
