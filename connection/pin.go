package connection

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/Alia5/bluecore/hci"
)

// defaultPin is what most legacy peripherals expect.
const defaultPin = "0000"

// TerminalPinPrompter reads a PIN from the controlling terminal without
// echo. When stdin is not a terminal, or the user just hits enter, the
// default PIN is used so headless pairing with common peripherals works.
type TerminalPinPrompter struct {
	Fallback string
}

func (t TerminalPinPrompter) RequestPin(addr hci.BdAddr) (string, error) {
	fallback := t.Fallback
	if fallback == "" {
		fallback = defaultPin
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fallback, nil
	}
	fmt.Fprintf(os.Stderr, "PIN for %s (enter for %s): ", addr, fallback)
	line, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(line) == 0 {
		return fallback, nil
	}
	return string(line), nil
}

// StaticPinPrompter always answers with a fixed PIN.
type StaticPinPrompter string

func (p StaticPinPrompter) RequestPin(hci.BdAddr) (string, error) {
	return string(p), nil
}
