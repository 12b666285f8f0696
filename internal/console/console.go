// Package console is the line-oriented terminal front end of the field
// client. Each input line is split into a command and its arguments and
// routed through the command dispatcher to the coordinator.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/comandos-hq/fieldlink/internal/coordinator"
	"github.com/comandos-hq/fieldlink/internal/dispatcher"
	"github.com/comandos-hq/fieldlink/internal/scanner"
)

var (
	ErrNotLoggedIn   = errors.New("no operator logged in")
	ErrAdminRequired = errors.New("admin access required")
	ErrUsage         = errors.New("usage")

	errQuit = errors.New("quit")
)

const defaultScanTimeout = time.Minute

// Options configures a Console.
type Options struct {
	Coordinator *coordinator.Coordinator
	Out         io.Writer
	Logger      *slog.Logger

	// Scanner reads codes from a dedicated device. Without one, scan takes
	// the next console line as the code, which is what a keyboard-wedge
	// reader types.
	Scanner     scanner.Scanner
	ScanTimeout time.Duration

	AdminPassword string

	// ReadFile loads map images; os.ReadFile when nil.
	ReadFile func(string) ([]byte, error)
}

// Console holds one terminal session.
type Console struct {
	coord     *coordinator.Coordinator
	disp      *dispatcher.Dispatcher
	logger    *slog.Logger
	scan      scanner.Scanner
	scanWait  time.Duration
	password  string
	readFile  func(string) ([]byte, error)
	outMu     sync.Mutex
	out       io.Writer
	lastMode  coordinator.Mode
	modeKnown bool

	// session state, touched only by the goroutine running Exec; operator
	// writes also hold opMu since TimeUp reads it from the monitor
	ctx       context.Context
	opMu      sync.Mutex
	operator  string
	admin     bool
	awaitScan string
}

// New builds a console and registers its commands.
func New(opts Options) (*Console, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("console: coordinator is required")
	}
	c := &Console{
		coord:    opts.Coordinator,
		logger:   opts.Logger,
		scan:     opts.Scanner,
		scanWait: opts.ScanTimeout,
		password: opts.AdminPassword,
		readFile: opts.ReadFile,
		out:      opts.Out,
		ctx:      context.Background(),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.out == nil {
		c.out = io.Discard
	}
	if c.readFile == nil {
		c.readFile = os.ReadFile
	}
	if c.scanWait <= 0 {
		c.scanWait = defaultScanTimeout
	}

	d, err := dispatcher.New(c.logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	c.disp = d
	c.registerCommands()
	return c, nil
}

// Operator returns the callsign logged in on this console, if any.
func (c *Console) Operator() string {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.operator
}

func (c *Console) setOperator(id string) {
	c.opMu.Lock()
	c.operator = id
	c.opMu.Unlock()
}

// Run reads commands from in until EOF, quit, or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	c.println("FIELDLINK TERMINAL. TYPE 'help' FOR COMMANDS.")
	c.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			out, err := c.Exec(ctx, line)
			switch {
			case errors.Is(err, errQuit):
				c.println(out)
				return nil
			case err != nil:
				c.println("ERROR: " + err.Error())
			case out != "":
				c.println(out)
			}
			c.prompt()
		}
	}
}

// Exec runs one input line and returns the text to show.
func (c *Console) Exec(ctx context.Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	c.ctx = ctx
	defer func() { c.ctx = context.Background() }()

	if c.awaitScan != "" {
		missionID := c.awaitScan
		c.awaitScan = ""
		if line == "" || strings.EqualFold(line, "cancel") {
			return "SCAN CANCELLED.", nil
		}
		return c.submitCode(missionID, line)
	}

	args, err := splitArgs(line)
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", nil
	}
	res, err := c.disp.Dispatch(dispatcher.Event{
		Command: strings.ToLower(args[0]),
		Args:    args[1:],
		Source:  "console",
	})
	if res == nil {
		return "", err
	}
	return fmt.Sprint(res), err
}

// Notify reports link changes. It is meant for coordinator.Options.OnChange
// and may be called from any goroutine.
func (c *Console) Notify(v coordinator.View) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.modeKnown && c.lastMode == v.Mode {
		return
	}
	prev, known := c.lastMode, c.modeKnown
	c.lastMode, c.modeKnown = v.Mode, true
	switch {
	case v.Mode == coordinator.ModeLocal:
		fmt.Fprintln(c.out, "\n!! LOCAL LINK: HQ UNREACHABLE, CHANGES KEPT ON THIS DEVICE")
	case v.Mode == coordinator.ModeRemote && known && prev != coordinator.ModeRemote:
		fmt.Fprintln(c.out, "\n>> HQ LINK ESTABLISHED")
	}
}

// TimeUp prints a notice when a timer of the logged-in operator runs out.
// Timers of other operators are ignored.
func (c *Console) TimeUp(e coordinator.ExpiredTimer) {
	if e.OperatorID != c.Operator() {
		return
	}
	c.println(fmt.Sprintf("\n!! TIME UP: %s %s. REPORT THE CODE OR FAIL THE MISSION", e.Mission.ID, e.Mission.Title))
}

func (c *Console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *Console) prompt() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprint(c.out, c.promptText())
}

func (c *Console) promptText() string {
	var b strings.Builder
	switch c.coord.Mode() {
	case coordinator.ModeLocal:
		b.WriteString("[LOCAL LINK] ")
	case coordinator.ModeSyncing:
		b.WriteString("[SYNCING] ")
	}
	if c.admin {
		b.WriteString("#")
	}
	if c.awaitScan != "" {
		b.WriteString("SCAN> ")
		return b.String()
	}
	if c.operator != "" {
		b.WriteString(c.operator)
	}
	b.WriteString("> ")
	return b.String()
}

func (c *Console) requireOperator() (string, error) {
	if c.operator == "" {
		return "", ErrNotLoggedIn
	}
	return c.operator, nil
}

func (c *Console) requireAdmin() error {
	if !c.admin {
		return ErrAdminRequired
	}
	return nil
}

func usage(format string) error {
	return fmt.Errorf("%w: %s", ErrUsage, format)
}

// splitArgs splits a line on spaces; double quotes group words.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case (r == ' ' || r == '\t') && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}
