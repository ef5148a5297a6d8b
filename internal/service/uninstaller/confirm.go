package uninstaller

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// promptState tracks the confirmation loop. It leaves statePrompting only on
// an exact, case-sensitive "yes" or "no"; anything else re-prompts.
type promptState int

const (
	statePrompting promptState = iota
	stateConfirmed
	stateDeclined
)

// errInputClosed indicates the confirmation source ended before an answer was given.
var errInputClosed = errors.New("confirmation input closed before an answer was given")

// confirm runs the interactive confirmation state machine against the
// injected input source. It returns true only for an exact "yes".
func confirm(in io.Reader, out io.Writer) (bool, error) {
	scanner := bufio.NewScanner(in)
	state := statePrompting

	for state == statePrompting {
		fmt.Fprint(out, `Remove everything, including persisted data? Type "yes" or "no": `)

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return false, fmt.Errorf("read confirmation: %w", err)
			}

			return false, errInputClosed
		}

		switch scanner.Text() {
		case "yes":
			state = stateConfirmed
		case "no":
			state = stateDeclined
		default:
			fmt.Fprintln(out, `Please answer exactly "yes" or "no".`)
		}
	}

	return state == stateConfirmed, nil
}
