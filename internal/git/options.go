package git

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidArg is wrapped by every error about an argument which must not
// reach git.
var ErrInvalidArg = errors.New("invalid argument")

// A flag name is a dash or two followed by a word, nothing else. Names
// with "=" are rejected, values go into ValueFlag.Value.
var flagNameRegex = regexp.MustCompile(`\A--?[[:alnum:]][[:alnum:]-]*\z`)

// Option renders into the arguments placed between the name of a SubCmd
// and its positional arguments.
type Option interface {
	OptionArgs() ([]string, error)
}

// Flag is a switch such as "-f" or "--update-head-ok".
type Flag struct {
	Name string
}

// OptionArgs implements Option.
func (f Flag) OptionArgs() ([]string, error) {
	if err := validateFlagName(f.Name); err != nil {
		return nil, err
	}
	return []string{f.Name}, nil
}

// ValueFlag is a flag followed by its value as a separate argument, such
// as "--origin upstream". The value is passed through untouched.
type ValueFlag struct {
	Name  string
	Value string
}

// OptionArgs implements Option.
func (f ValueFlag) OptionArgs() ([]string, error) {
	if err := validateFlagName(f.Name); err != nil {
		return nil, err
	}
	return []string{f.Name, f.Value}, nil
}

func validateFlagName(name string) error {
	if !flagNameRegex.MatchString(name) {
		return fmt.Errorf("flag name %q: %w", name, ErrInvalidArg)
	}
	return nil
}
