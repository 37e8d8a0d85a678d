package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mossy-p/webrtc-call/internal/call"
)

var errQuit = errors.New("quit")

// controller is the part of the coordinator driven from the console
type controller interface {
	Accept(mode call.Mode) error
	Decline() error
	HangUp() error
	ToggleMute() (bool, error)
	ToggleCamera() (bool, error)
	ToggleSpeaker() (bool, error)
}

const consoleHelp = "commands: a [audio|video] accept, d decline, h hang up, m mute, c camera, s speaker, q quit"

// execute runs one console line against c and returns what to print
func execute(c controller, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}

	switch fields[0] {
	case "a":
		var mode call.Mode
		if len(fields) > 1 {
			mode = call.Mode(fields[1])
		}
		return "accepting", c.Accept(mode)
	case "d":
		return "declined", c.Decline()
	case "h":
		return "hung up", c.HangUp()
	case "m":
		on, err := c.ToggleMute()
		return toggled("microphone muted", on), err
	case "c":
		on, err := c.ToggleCamera()
		return toggled("camera off", on), err
	case "s":
		on, err := c.ToggleSpeaker()
		return toggled("speaker off", on), err
	case "q":
		return "", errQuit
	case "?", "help":
		return consoleHelp, nil
	default:
		return "", fmt.Errorf("unknown command %q", fields[0])
	}
}

func toggled(what string, on bool) string {
	if on {
		return what
	}
	return what + ": no"
}

// formatSnapshot renders s as one status line
func formatSnapshot(s call.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", s.State)
	if s.RemoteUserID != "" {
		fmt.Fprintf(&b, " %s call with %s", s.Mode, s.RemoteUserID)
	}
	if s.State == call.StateActive || s.State.Terminal() {
		fmt.Fprintf(&b, " %s", s.ElapsedText)
	}

	var flags []string
	if s.Muted {
		flags = append(flags, "muted")
	}
	if s.CameraOff {
		flags = append(flags, "camera off")
	}
	if s.SpeakerOff {
		flags = append(flags, "speaker off")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(flags, ", "))
	}

	if s.Notice != "" {
		fmt.Fprintf(&b, ": %s", s.Notice)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, " [%v]", s.Err)
	}
	return b.String()
}

// console prints state changes and runs commands read from in until q, EOF,
// ctx is done or, with untilEnd, a call has finished
func console(ctx context.Context, coord *call.Coordinator, in io.Reader, out io.Writer, untilEnd bool) error {
	ended := make(chan struct{})
	lines := make(chan string, 1)
	var last call.State
	closed := false

	cancel := coord.Subscribe(func(s call.Snapshot) {
		// Duration ticks repeat the state, print them only while active
		if s.State == last && s.State != call.StateActive {
			return
		}
		last = s.State
		fmt.Fprintln(out, formatSnapshot(s))
		if untilEnd && s.State.Terminal() && !closed {
			closed = true
			close(ended)
		}
	})
	defer cancel()

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(out, consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg, err := execute(coord, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if msg != "" {
				fmt.Fprintln(out, msg)
			}
		}
	}
}
