// Package console is a line-oriented command console for the filter
// module. It runs over any io.ReadWriter; in production that is a serial
// port. Every reply line ends with "\r\n".
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/logic/calib"
	"github.com/cjeanneret/FilterGo/internal/logic/wheel"
	"github.com/cjeanneret/FilterGo/internal/protocol"
)

// Engine is the read side of the positioning engine used by STATUS and
// DIAG.
type Engine interface {
	Snapshot() wheel.State
	Filters() []wheel.Filter
	Calibration() *calib.Store
}

// Commander executes protocol commands.
type Commander interface {
	Handle(cmd protocol.Command, d [4]uint8) protocol.Reply
}

// Registers is the register file as seen by the console.
type Registers interface {
	Snapshot() protocol.RegisterState
	PositionUm(code uint8) uint32
	SetPositionUm(code uint8, um uint32) error
}

// Command is one console command.
type Command struct {
	Name        string
	Args        int // required arguments; optional ones are checked by Run
	Usage       string
	Description string
	Run         func(c *Console, args []string) (string, error)
}

var errUsage = errors.New("usage")

var (
	SelectCommand = &Command{
		Name:        "SEL",
		Args:        1,
		Usage:       "SEL <code>",
		Description: "Select the filter with the given code.",
		Run: func(c *Console, args []string) (string, error) {
			code, err := parseByte(args[0])
			if err != nil {
				return "", err
			}
			return c.handle(protocol.CmdSetPositioner, code), nil
		},
	}
	RawCommand = &Command{
		Name:        "RAW",
		Args:        1,
		Usage:       "RAW <slot>",
		Description: "Select a raw wheel slot.",
		Run: func(c *Console, args []string) (string, error) {
			slot, err := parseByte(args[0])
			if err != nil {
				return "", err
			}
			return c.handle(protocol.CmdSetRawPositioner, slot), nil
		},
	}
	LightCommand = &Command{
		Name:        "LIGHT",
		Args:        1,
		Usage:       "LIGHT ON|OFF",
		Description: "Switch the indicator light.",
		Run: func(c *Console, args []string) (string, error) {
			switch strings.ToUpper(args[0]) {
			case "ON":
				return c.handle(protocol.CmdSetLight, protocol.LightOn), nil
			case "OFF":
				return c.handle(protocol.CmdSetLight, 0), nil
			}
			return "", errUsage
		},
	}
	AbortCommand = &Command{
		Name:        "ABORT",
		Description: "Abort the current command (a running selection completes anyway).",
		Run: func(c *Console, args []string) (string, error) {
			return c.handle(protocol.CmdAbort, 0), nil
		},
	}
	StatusCommand = &Command{
		Name:        "STATUS",
		Description: "Print the engine and register status.",
		Run: func(c *Console, args []string) (string, error) {
			s := c.engine.Snapshot()
			r := c.regs.Snapshot()
			return fmt.Sprintf("filter=%d running=%v valid=%v cause=%s target=%d phase=%s light=%v errors=%v pers0=0x%02x",
				r.FilterStatus, s.Running, s.Valid, s.Cause, s.TargetCode, s.Phase, r.LightOn, r.Errors, r.Pers0), nil
		},
	}
	DiagCommand = &Command{
		Name:        "DIAG",
		Description: "Print the band widths measured during the last traversals.",
		Run: func(c *Console, args []string) (string, error) {
			widths := c.engine.Calibration().Snapshot(len(c.engine.Filters()))
			lines := make([]string, len(widths))
			for i, w := range widths {
				lines[i] = fmt.Sprintf("slot=%d light=%d dark=%d", w.Slot, w.Light, w.Dark)
			}
			return strings.Join(lines, eol), nil
		},
	}
	ParamCommand = &Command{
		Name:        "PARAM",
		Args:        1,
		Usage:       "PARAM <code> [<um>]",
		Description: "Read or set the position of a filter in micrometers.",
		Run: func(c *Console, args []string) (string, error) {
			code, err := parseByte(args[0])
			if err != nil {
				return "", err
			}
			if len(args) > 1 {
				um, err := strconv.ParseUint(args[1], 10, 32)
				if err != nil {
					return "", fmt.Errorf("invalid position %q", args[1])
				}
				if err := c.regs.SetPositionUm(code, uint32(um)); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("code=%d position_um=%d", code, c.regs.PositionUm(code)), nil
		},
	}
	HelpCommand = &Command{
		Name:        "HELP",
		Description: "Show all available commands and their descriptions.",
		Run: func(c *Console, args []string) (string, error) {
			names := make([]string, 0, len(c.commands))
			for name := range c.commands {
				names = append(names, name)
			}
			sort.Strings(names)
			lines := make([]string, len(names))
			for i, name := range names {
				cmd := c.commands[name]
				usage := cmd.Usage
				if usage == "" {
					usage = cmd.Name
				}
				lines[i] = fmt.Sprintf("%-20s %s", usage, cmd.Description)
			}
			return strings.Join(lines, eol), nil
		},
	}
)

var commands = []*Command{
	SelectCommand,
	RawCommand,
	LightCommand,
	AbortCommand,
	StatusCommand,
	DiagCommand,
	ParamCommand,
	HelpCommand,
}

const eol = "\r\n"

// Console executes command lines. Notify may be called from another
// goroutine while Serve runs.
type Console struct {
	engine   Engine
	cmd      Commander
	regs     Registers
	commands map[string]*Command

	mu  sync.Mutex
	out io.Writer
}

func New(e Engine, cmd Commander, regs Registers) *Console {
	c := &Console{engine: e, cmd: cmd, regs: regs, commands: make(map[string]*Command)}
	for _, command := range commands {
		c.commands[command.Name] = command
	}
	return c
}

func (c *Console) handle(cmd protocol.Command, d0 uint8) string {
	r := c.cmd.Handle(cmd, [4]uint8{d0})
	if r.Kind == protocol.Failed {
		return "ERR " + r.Err.String()
	}
	return "OK " + r.String()
}

// Exec runs one command line and returns the reply (without line ending).
func (c *Console) Exec(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	command, ok := c.commands[strings.ToUpper(fields[0])]
	if !ok {
		return fmt.Sprintf("ERR unknown command %q (try HELP)", fields[0])
	}
	args := fields[1:]
	if len(args) < command.Args {
		return "ERR usage: " + command.Usage
	}
	out, err := command.Run(c, args)
	if errors.Is(err, errUsage) {
		return "ERR usage: " + command.Usage
	}
	if err != nil {
		return "ERR " + err.Error()
	}
	return out
}

// Serve reads command lines from rw and writes the replies until rw
// reaches EOF or ctx is done. Blank lines are ignored.
func (c *Console) Serve(ctx context.Context, rw io.ReadWriter) error {
	c.mu.Lock()
	c.out = rw
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.out = nil
		c.mu.Unlock()
	}()

	debug.Info("Console: ready")
	sc := bufio.NewScanner(rw)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply := c.Exec(line)
		debug.Verbose("Console: %q -> %q", line, reply)
		if err := c.write(reply); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("console read: %w", err)
	}
	return ctx.Err()
}

// Notify reports the completion of a positioning command to the
// connected peer, if any.
func (c *Console) Notify(r protocol.Reply) {
	line := "DONE " + r.String()
	if r.Kind == protocol.Failed {
		line = "FAIL " + r.Err.String()
	}
	if err := c.write(line); err != nil {
		debug.Error(err)
	}
}

func (c *Console) write(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return nil
	}
	_, err := io.WriteString(c.out, line+eol)
	return err
}

func parseByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint8(v), nil
}
