package git

import (
	"bufio"
	"bytes"
	"strings"
)

// RefUpdateType is the flag git-fetch(1) prints in front of every status
// line, see https://git-scm.com/docs/git-fetch#_output.
type RefUpdateType byte

const (
	// RefUpdateTypeFastForwardUpdate represents a 'fast forward update' fetch status line
	RefUpdateTypeFastForwardUpdate RefUpdateType = ' '
	// RefUpdateTypeForcedUpdate represents a 'forced update' fetch status line
	RefUpdateTypeForcedUpdate RefUpdateType = '+'
	// RefUpdateTypePruned represents a 'pruned' fetch status line
	RefUpdateTypePruned RefUpdateType = '-'
	// RefUpdateTypeTagUpdate represents a 'tag update' fetch status line
	RefUpdateTypeTagUpdate RefUpdateType = 't'
	// RefUpdateTypeFetched represents a new ref, or a ref fetched into
	// FETCH_HEAD only
	RefUpdateTypeFetched RefUpdateType = '*'
	// RefUpdateTypeUpdateFailed represents an 'update failed' fetch status line
	RefUpdateTypeUpdateFailed RefUpdateType = '!'
	// RefUpdateTypeUnchanged represents an 'unchanged' fetch status line
	RefUpdateTypeUnchanged RefUpdateType = '='
)

// Valid checks whether t is one of the flags git prints.
func (t RefUpdateType) Valid() bool {
	switch t {
	case RefUpdateTypeFastForwardUpdate, RefUpdateTypeForcedUpdate, RefUpdateTypePruned,
		RefUpdateTypeTagUpdate, RefUpdateTypeFetched, RefUpdateTypeUpdateFailed, RefUpdateTypeUnchanged:
		return true
	default:
		return false
	}
}

// FetchStatusLine is a single ref update reported by git-fetch(1).
type FetchStatusLine struct {
	Type RefUpdateType
	// Summary is e.g. "[new branch]", "branch" or an abbreviated range
	// like "87daf9d2e..1504b30e1".
	Summary string
	// From is the remote ref, "(none)" for pruned refs.
	From string
	// To is the local ref, e.g. FETCH_HEAD.
	To string
	// Reason is optional, e.g. "(forced update)".
	Reason string
}

// Failed reports whether git could not update the local ref.
func (l FetchStatusLine) Failed() bool {
	return l.Type == RefUpdateTypeUpdateFailed
}

// ParseFetchStatus extracts the status lines from the stderr of a fetch.
// Progress and other messages are skipped.
func ParseFetchStatus(output []byte) ([]FetchStatusLine, error) {
	var lines []FetchStatusLine

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line, ok := parseFetchStatusLine(scanner.Bytes()); ok {
			lines = append(lines, line)
		}
	}

	return lines, scanner.Err()
}

// parseFetchStatusLine parses " <flag> <summary> <from> -> <to> [<reason>]".
func parseFetchStatusLine(line []byte) (FetchStatusLine, bool) {
	// The flag is matched strictly as status lines mingle with free text.
	if len(line) < 4 || line[0] != ' ' || line[2] != ' ' {
		return FetchStatusLine{}, false
	}

	status := FetchStatusLine{Type: RefUpdateType(line[1])}
	if !status.Type.Valid() {
		return FetchStatusLine{}, false
	}
	line = line[3:]

	// A bracketed summary may contain blanks.
	end := bytes.IndexByte(line, ' ')
	if line[0] == '[' {
		if end = bytes.IndexByte(line, ']'); end >= 0 {
			end++
		}
	}
	if end < 0 || len(line) <= end+1 {
		return FetchStatusLine{}, false
	}
	status.Summary = string(line[:end])

	// Ref names cannot contain whitespace.
	words := strings.Fields(string(line[end:]))
	if len(words) < 3 || words[1] != "->" {
		return FetchStatusLine{}, false
	}

	status.From = words[0]
	status.To = words[2]
	status.Reason = strings.Join(words[3:], " ")

	return status, true
}
