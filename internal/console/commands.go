package console

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comandos-hq/fieldlink/internal/catalog"
	"github.com/comandos-hq/fieldlink/internal/dispatcher"
	"github.com/comandos-hq/fieldlink/internal/geo"
	"github.com/comandos-hq/fieldlink/internal/progress"
	"github.com/comandos-hq/fieldlink/internal/registry"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

var commandUsage = map[string]string{
	"help":     "help",
	"login":    "login <callsign>",
	"enlist":   "enlist <callsign> <army>",
	"logout":   "logout",
	"missions": "missions",
	"brief":    "brief",
	"start":    "start <mission>",
	"code":     "code <mission> <code>",
	"scan":     "scan <mission>",
	"fail":     "fail <mission>",
	"pos":      "pos <lat>,<lng>",
	"ranking":  "ranking",
	"ranks":    "ranks",
	"status":   "status",
	"admin":    "admin <password> | admin off",
	"score":    "score <callsign> <delta>",
	"kick":     "kick <callsign>",
	"kia":      "kia <callsign> [off]",
	"reset":    "reset CONFIRM",
	"mission":  "mission add|edit|rm|lock|unlock ...",
	"map":      "map <image file>",
	"op":       "op [name|date|desc|active <value>]",
	"quit":     "quit",
}

func (c *Console) registerCommands() {
	d := c.disp

	d.Register("help", c.cmdHelp)
	d.Alias("?", "help")
	d.Register("quit", func(dispatcher.Event) (any, error) {
		return "LINK CLOSED.", errQuit
	})
	d.Alias("q", "quit")
	d.Alias("exit", "quit")

	d.Register("login", c.cmdLogin, dispatcher.Logged())
	d.Register("enlist", c.cmdEnlist, dispatcher.Logged())
	d.Register("logout", c.cmdLogout, dispatcher.Logged())
	d.Register("missions", c.cmdMissions)
	d.Register("brief", c.cmdBrief)
	d.Alias("b", "brief")
	d.Register("start", c.cmdStart, dispatcher.Logged())
	d.Register("code", c.cmdCode, dispatcher.Logged())
	d.Register("scan", c.cmdScan, dispatcher.Logged())
	d.Register("fail", c.cmdFail, dispatcher.Logged())
	d.Register("pos", c.cmdPos)
	d.Register("ranking", c.cmdRanking)
	d.Alias("top", "ranking")
	d.Register("ranks", c.cmdRanks)
	d.Register("status", c.cmdStatus)

	c.registerAdminCommands()
}

func (c *Console) cmdHelp(dispatcher.Event) (any, error) {
	var b strings.Builder
	b.WriteString("COMMANDS:\n")
	for _, cmd := range c.disp.Commands() {
		u, ok := commandUsage[cmd]
		if !ok {
			u = cmd
		}
		fmt.Fprintf(&b, "  %s\n", u)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Console) cmdLogin(e dispatcher.Event) (any, error) {
	if len(e.Args) != 1 {
		return nil, usage(commandUsage["login"])
	}
	op, err := c.coord.Login(c.ctx, e.Args[0])
	if errors.Is(err, registry.ErrUnknownCallsign) {
		return nil, fmt.Errorf("%w (enlist with: %s)", err, commandUsage["enlist"])
	}
	if err != nil {
		return nil, err
	}
	c.setOperator(op.ID)
	return fmt.Sprintf("WELCOME BACK, %s %s. %s", op.Rank, op.Callsign, armyLine(op.Army)), nil
}

func (c *Console) cmdEnlist(e dispatcher.Event) (any, error) {
	if len(e.Args) < 2 {
		var b strings.Builder
		b.WriteString("usage: " + commandUsage["enlist"] + "\nARMIES:")
		for _, a := range core.Armies() {
			b.WriteString("\n  " + armyLine(a))
		}
		return nil, errors.New(b.String())
	}
	army, ok := core.ParseArmy(e.Args[1])
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrInvalidArmy, e.Args[1])
	}
	op, err := c.coord.Enlist(c.ctx, e.Args[0], army)
	if err != nil {
		return nil, err
	}
	c.setOperator(op.ID)
	return fmt.Sprintf("ENLISTED: %s %s\n%s", op.Rank, op.Callsign, armyLine(op.Army)), nil
}

func (c *Console) cmdLogout(dispatcher.Event) (any, error) {
	id, err := c.requireOperator()
	if err != nil {
		return nil, err
	}
	if err := c.coord.Logout(c.ctx, id); err != nil {
		return nil, err
	}
	c.setOperator("")
	return "OPERATOR " + id + " OFFLINE.", nil
}

// cmdMissions lists the operation's missions; operators only see their army's.
func (c *Console) cmdMissions(dispatcher.Event) (any, error) {
	v, err := c.coord.View(c.ctx)
	if err != nil {
		return nil, err
	}
	missions := v.Operation.Missions
	if !c.admin {
		id, err := c.requireOperator()
		if err != nil {
			return nil, err
		}
		op, err := c.coord.Operator(c.ctx, id)
		if err != nil {
			return nil, err
		}
		missions = catalog.VisibleTo(v.Operation, op.Army)
	}
	if len(missions) == 0 {
		return "NO MISSIONS.", nil
	}
	return renderMissions(missions), nil
}

func (c *Console) cmdBrief(dispatcher.Event) (any, error) {
	id, err := c.requireOperator()
	if err != nil {
		return nil, err
	}
	v, err := c.coord.View(c.ctx)
	if err != nil {
		return nil, err
	}
	entries, err := c.coord.Briefing(c.ctx, id)
	if err != nil {
		return nil, err
	}
	return renderBriefing(v.Operation, entries), nil
}

// resolve finds a mission visible to the logged-in operator by id or title.
func (c *Console) resolve(query string) (string, core.Mission, error) {
	id, err := c.requireOperator()
	if err != nil {
		return "", core.Mission{}, err
	}
	v, err := c.coord.View(c.ctx)
	if err != nil {
		return "", core.Mission{}, err
	}
	op, err := c.coord.Operator(c.ctx, id)
	if err != nil {
		return "", core.Mission{}, err
	}
	m, err := catalog.Lookup(catalog.VisibleTo(v.Operation, op.Army), query)
	return id, m, err
}

func (c *Console) cmdStart(e dispatcher.Event) (any, error) {
	if len(e.Args) == 0 {
		return nil, usage(commandUsage["start"])
	}
	id, m, err := c.resolve(strings.Join(e.Args, " "))
	if err != nil {
		return nil, err
	}
	if _, err := c.coord.StartMission(c.ctx, id, m.ID); err != nil {
		return nil, err
	}
	out := fmt.Sprintf("MISSION STARTED: %s %s", m.ID, m.Title)
	if m.Timed() {
		out += fmt.Sprintf(" (TIMER %s)", formatClock(m.TimerDuration()))
	}
	return out, nil
}

func (c *Console) cmdCode(e dispatcher.Event) (any, error) {
	if len(e.Args) < 2 {
		return nil, usage(commandUsage["code"])
	}
	code := e.Args[len(e.Args)-1]
	_, m, err := c.resolve(strings.Join(e.Args[:len(e.Args)-1], " "))
	if err != nil {
		return nil, err
	}
	return c.submitCode(m.ID, code)
}

func (c *Console) cmdScan(e dispatcher.Event) (any, error) {
	if len(e.Args) == 0 {
		return nil, usage(commandUsage["scan"])
	}
	id, m, err := c.resolve(strings.Join(e.Args, " "))
	if err != nil {
		return nil, err
	}
	op, err := c.coord.Operator(c.ctx, id)
	if err != nil {
		return nil, err
	}
	if s := progress.Status(op, m.ID); s != core.MissionInProgress {
		return nil, fmt.Errorf("%w: %s", progress.ErrNotInProgress, m.ID)
	}
	if c.scan == nil {
		c.awaitScan = m.ID
		return "SCANNER READY: PRESENT CODE FOR " + m.ID + " (empty line or 'cancel' aborts)", nil
	}
	return c.scanDevice(m.ID)
}

// scanDevice waits for the first code the scanner decodes. Decode errors are
// logged and scanning continues.
func (c *Console) scanDevice(missionID string) (string, error) {
	codes := make(chan string, 1)
	sess, err := c.scan.Start(c.ctx, func(code string) {
		select {
		case codes <- code:
		default:
		}
	}, func(err error) {
		c.logger.Debug("Scanner error", "error", err)
	})
	if err != nil {
		return "", err
	}
	defer sess.Stop()
	c.println("SCANNING FOR " + missionID + "...")

	timer := time.NewTimer(c.scanWait)
	defer timer.Stop()
	select {
	case code := <-codes:
		return c.submitCode(missionID, code)
	case <-sess.Done():
		select {
		case code := <-codes:
			return c.submitCode(missionID, code)
		default:
		}
		return "", errors.New("scanner closed")
	case <-timer.C:
		return "SCAN TIMED OUT.", nil
	case <-c.ctx.Done():
		return "", c.ctx.Err()
	}
}

// submitCode is the shared path for typed and scanned codes.
func (c *Console) submitCode(missionID, code string) (string, error) {
	id, err := c.requireOperator()
	if err != nil {
		return "", err
	}
	points, err := c.coord.SubmitCode(c.ctx, id, missionID, code)
	if errors.Is(err, progress.ErrValidationMismatch) {
		return "", errors.New("ACCESS DENIED: INVALID CODE")
	}
	if err != nil {
		return "", err
	}
	op, err := c.coord.Operator(c.ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("MISSION COMPLETE: +%d PTS. SCORE %d, RANK %s", points, op.Score, op.Rank), nil
}

func (c *Console) cmdFail(e dispatcher.Event) (any, error) {
	if len(e.Args) == 0 {
		return nil, usage(commandUsage["fail"])
	}
	id, m, err := c.resolve(strings.Join(e.Args, " "))
	if err != nil {
		return nil, err
	}
	if _, err := c.coord.FailMission(c.ctx, id, m.ID); err != nil {
		return nil, err
	}
	return "MISSION FAILED: " + m.ID + " " + m.Title, nil
}

func (c *Console) cmdPos(e dispatcher.Event) (any, error) {
	id, err := c.requireOperator()
	if err != nil {
		return nil, err
	}
	if len(e.Args) == 0 {
		return nil, usage(commandUsage["pos"])
	}
	s := strings.Join(e.Args, " ")
	if !strings.Contains(s, ",") {
		s = strings.Join(e.Args, ",")
	}
	lat, lng, err := geo.ParseLatLng(s)
	if err != nil {
		return nil, err
	}
	if _, err := c.coord.ReportPosition(c.ctx, id, lat, lng); err != nil {
		return nil, err
	}
	return fmt.Sprintf("POSITION %.5f,%.5f LOGGED.", lat, lng), nil
}

func (c *Console) cmdRanking(dispatcher.Event) (any, error) {
	v, err := c.coord.View(c.ctx)
	if err != nil {
		return nil, err
	}
	if len(v.Leaderboard) == 0 {
		return "NO OPERATORS ENLISTED.", nil
	}
	return renderRanking(v.Leaderboard, c.operator), nil
}

// cmdRanks shows the rank ladder, marking the operator's rank when logged in.
func (c *Console) cmdRanks(dispatcher.Event) (any, error) {
	if c.operator == "" {
		return renderRanks(0, false), nil
	}
	op, err := c.coord.Operator(c.ctx, c.operator)
	if err != nil {
		return nil, err
	}
	return renderRanks(op.Score, true), nil
}

func (c *Console) cmdStatus(dispatcher.Event) (any, error) {
	v, err := c.coord.View(c.ctx)
	if err != nil {
		return nil, err
	}
	var op *core.Operator
	if c.operator != "" {
		o, err := c.coord.Operator(c.ctx, c.operator)
		if err != nil {
			return nil, err
		}
		op = &o
	}
	return renderStatus(v, c.coord.DeviceID(), op, c.admin), nil
}
