package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// readAPIKey prompts for the workspace key on w. On a terminal the key is
// read without echo; otherwise one line is read from in.
func readAPIKey(in io.Reader, w io.Writer) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if in == os.Stdin && isTerminal(fd) {
		if _, err := fmt.Fprint(w, "Workspace API key: "); err != nil {
			return nil, err
		}
		key, err := readPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, fmt.Errorf("error reading api key: %w", err)
	}
	return []byte(strings.TrimSpace(line)), nil
}
