package console

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/comandos-hq/fieldlink/internal/catalog"
	"github.com/comandos-hq/fieldlink/internal/coordinator"
	"github.com/comandos-hq/fieldlink/internal/dispatcher"
	"github.com/comandos-hq/fieldlink/internal/geo"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

// ResetConfirmation must follow reset for the wipe to run.
const ResetConfirmation = "CONFIRM"

func (c *Console) registerAdminCommands() {
	d := c.disp
	d.Register("admin", c.cmdAdmin, dispatcher.Logged())
	d.Register("score", c.cmdScore, dispatcher.Logged())
	d.Register("kick", c.cmdKick, dispatcher.Logged())
	d.Register("kia", c.cmdKIA, dispatcher.Logged())
	d.Register("reset", c.cmdReset, dispatcher.Logged())
	d.Register("mission", c.cmdMission, dispatcher.Logged())
	d.Register("map", c.cmdMap, dispatcher.Logged())
	d.Register("op", c.cmdOperation, dispatcher.Logged())
}

func (c *Console) cmdAdmin(e dispatcher.Event) (any, error) {
	if len(e.Args) != 1 {
		return nil, usage(commandUsage["admin"])
	}
	if strings.EqualFold(e.Args[0], "off") && c.admin {
		c.admin = false
		return "ADMIN SESSION CLOSED.", nil
	}
	if c.password == "" {
		return nil, errors.New("admin access is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(e.Args[0]), []byte(c.password)) != 1 {
		c.logger.Warn("Rejected admin password", "source", e.Source)
		return nil, errors.New("ACCESS DENIED")
	}
	c.admin = true
	return "ADMIN ACCESS GRANTED.", nil
}

func (c *Console) cmdScore(e dispatcher.Event) (any, error) {
	if err := c.requireAdmin(); err != nil {
		return nil, err
	}
	if len(e.Args) != 2 {
		return nil, usage(commandUsage["score"])
	}
	delta, err := strconv.Atoi(e.Args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid score delta %q", e.Args[1])
	}
	op, err := c.coord.AdjustScore(c.ctx, e.Args[0], delta)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("%s SCORE %d (%s)", op.Callsign, op.Score, op.Rank), nil
}

func (c *Console) cmdKick(e dispatcher.Event) (any, error) {
	if err := c.requireAdmin(); err != nil {
		return nil, err
	}
	if len(e.Args) != 1 {
		return nil, usage(commandUsage["kick"])
	}
	id := core.NormalizeCallsign(e.Args[0])
	if err := c.coord.RemoveOperator(c.ctx, id); err != nil {
		return nil, err
	}
	if c.operator == id {
		c.setOperator("")
	}
	return "OPERATOR " + id + " REMOVED.", nil
}

func (c *Console) cmdKIA(e dispatcher.Event) (any, error) {
	if err := c.requireAdmin(); err != nil {
		return nil, err
	}
	if len(e.Args) < 1 || len(e.Args) > 2 {
		return nil, usage(commandUsage["kia"])
	}
	status := core.OperatorKilled
	if len(e.Args) == 2 {
		if !strings.EqualFold(e.Args[1], "off") {
			return nil, usage(commandUsage["kia"])
		}
		status = core.OperatorOnline
	}
	op, err := c.coord.SetOperatorStatus(c.ctx, e.Args[0], status)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("%s STATUS %s", op.Callsign, op.Status), nil
}

func (c *Console) cmdReset(e dispatcher.Event) (any, error) {
	if err := c.requireAdmin(); err != nil {
		return nil, err
	}
	if len(e.Args) != 1 || e.Args[0] != ResetConfirmation {
		return nil, errors.New("reset removes every operator; type: reset " + ResetConfirmation)
	}
	if err := c.coord.ResetAll(c.ctx); err != nil {
		return nil, err
	}
	c.setOperator("")
	return "MATCH RESET. ALL OPERATORS REMOVED.", nil
}

func (c *Console) cmdMission(e dispatcher.Event) (any, error) {
	if err := c.requireAdmin(); err != nil {
		return nil, err
	}
	if len(e.Args) < 2 {
		return nil, usage(commandUsage["mission"])
	}
	sub, args := strings.ToLower(e.Args[0]), e.Args[1:]
	if sub == "add" {
		return c.missionAdd(args)
	}

	v, err := c.coord.View(c.ctx)
	if err != nil {
		return nil, err
	}
	m, err := catalog.Lookup(v.Operation.Missions, args[0])
	if err != nil {
		return nil, err
	}
	switch sub {
	case "edit":
		return c.missionEdit(m, args[1:])
	case "rm":
		ids, err := c.coord.DeleteMission(c.ctx, m.ID)
		if err != nil {
			return nil, err
		}
		return "REMOVED: " + strings.Join(ids, ", "), nil
	case "lock", "unlock":
		status := core.MissionLocked
		if sub == "unlock" {
			status = core.MissionActive
		}
		m, err := c.coord.SetMissionStatus(c.ctx, m.ID, status)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("%s %s", m.ID, m.Status), nil
	}
	return nil, usage(commandUsage["mission"])
}

// missionAdd creates a primary, or an objective when a parent is given:
// mission add <title> [parent].
func (c *Console) missionAdd(args []string) (any, error) {
	if len(args) > 2 {
		return nil, usage(`mission add "<title>" [parent]`)
	}
	draft := catalog.NewPrimary(args[0])
	if len(args) == 2 {
		v, err := c.coord.View(c.ctx)
		if err != nil {
			return nil, err
		}
		parent, err := catalog.Lookup(catalog.Primaries(v.Operation), args[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", catalog.ErrInvalidParent, err)
		}
		draft = catalog.NewSecondary(parent, args[0])
	}
	m, err := c.coord.SaveMission(c.ctx, draft)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("MISSION CREATED: %s %s (%d PTS)", m.ID, m.Title, m.Points), nil
}

// missionEdit sets one field: mission edit <mission> <field> <value>.
func (c *Console) missionEdit(m core.Mission, args []string) (any, error) {
	const editUsage = "mission edit <mission> title|briefing|points|code|timer|armies|location <value>"
	if len(args) < 2 {
		return nil, usage(editUsage)
	}
	field, value := strings.ToLower(args[0]), strings.Join(args[1:], " ")
	switch field {
	case "title":
		m.Title = value
	case "briefing":
		m.Briefing = value
	case "code":
		m.Code = value
	case "points", "timer":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s %q", field, value)
		}
		if field == "points" {
			m.Points = n
		} else {
			m.TimerMinutes = n
		}
	case "armies":
		armies, err := parseArmies(value)
		if err != nil {
			return nil, err
		}
		m.Armies = armies
	case "location":
		loc, err := parseLocation(args[1:])
		if err != nil {
			return nil, err
		}
		m.Location = loc
	default:
		return nil, usage(editUsage)
	}
	saved, err := c.coord.SaveMission(c.ctx, m)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("MISSION UPDATED: %s %s", saved.ID, saved.Title), nil
}

func parseArmies(s string) ([]core.Army, error) {
	if strings.EqualFold(s, "all") {
		return core.Armies(), nil
	}
	var out []core.Army
	for _, name := range strings.Split(s, ",") {
		a, ok := core.ParseArmy(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown army %q", name)
		}
		out = append(out, a)
	}
	return out, nil
}

// parseLocation reads "<lat>,<lng> [label]" or "none".
func parseLocation(args []string) (*core.Location, error) {
	if strings.EqualFold(args[0], "none") {
		return nil, nil
	}
	lat, lng, err := geo.ParseLatLng(args[0])
	if err != nil {
		return nil, err
	}
	return &core.Location{Lat: lat, Lng: lng, Label: strings.Join(args[1:], " ")}, nil
}

func (c *Console) cmdMap(e dispatcher.Event) (any, error) {
	if err := c.requireAdmin(); err != nil {
		return nil, err
	}
	if len(e.Args) != 1 {
		return nil, usage(commandUsage["map"])
	}
	data, err := c.readFile(e.Args[0])
	if err != nil {
		return nil, err
	}
	if _, err := c.coord.UploadMap(c.ctx, data, ""); err != nil {
		return nil, err
	}
	return fmt.Sprintf("MAP UPDATED (%d KB).", (len(data)+1023)/1024), nil
}

func (c *Console) cmdOperation(e dispatcher.Event) (any, error) {
	if len(e.Args) == 0 {
		v, err := c.coord.View(c.ctx)
		if err != nil {
			return nil, err
		}
		return renderOperation(v.Operation), nil
	}
	if err := c.requireAdmin(); err != nil {
		return nil, err
	}
	if len(e.Args) < 2 {
		return nil, usage(commandUsage["op"])
	}
	value := strings.Join(e.Args[1:], " ")
	var patch coordinator.OperationPatch
	switch strings.ToLower(e.Args[0]) {
	case "name":
		patch.Name = &value
	case "date":
		patch.Date = &value
	case "desc":
		patch.Description = &value
	case "active":
		on, err := parseSwitch(value)
		if err != nil {
			return nil, err
		}
		patch.IsActive = &on
	default:
		return nil, usage(commandUsage["op"])
	}
	op, err := c.coord.UpdateOperation(c.ctx, patch)
	if err != nil {
		return nil, err
	}
	return renderOperation(op), nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
