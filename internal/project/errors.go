package project

import (
	"fmt"
	"strings"
)

// CommandExecutionError is returned when a command exits with a non-zero
// status. It carries everything the command printed.
type CommandExecutionError struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

func (e *CommandExecutionError) Error() string {
	msg := fmt.Sprintf("command %s exited with status %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(decode(e.Stderr)); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}
