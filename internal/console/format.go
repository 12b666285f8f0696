package console

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/comandos-hq/fieldlink/internal/coordinator"
	"github.com/comandos-hq/fieldlink/internal/geo"
	"github.com/comandos-hq/fieldlink/internal/rank"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

func armyLine(a core.Army) string {
	cfg := a.Config()
	return fmt.Sprintf("[%s] %s", cfg.Label, cfg.Description)
}

// formatClock renders a duration as mm:ss.
func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func table(fn func(w *tabwriter.Writer)) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fn(w)
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func armyLabels(armies []core.Army) string {
	labels := make([]string, len(armies))
	for i, a := range armies {
		labels[i] = a.Config().Label
	}
	return strings.Join(labels, ",")
}

func renderMissions(missions []core.Mission) string {
	return table(func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tTITLE\tPTS\tSTATUS\tPARENT\tARMIES")
		for _, m := range missions {
			parent := "-"
			if !m.IsMain {
				parent = m.ParentID
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", m.ID, m.Title, m.Points, m.Status, parent, armyLabels(m.Armies))
		}
	})
}

func renderBriefing(op core.Operation, entries []coordinator.BriefingEntry) string {
	head := fmt.Sprintf("OPERATION %s (%s)", op.Name, op.Date)
	if !op.IsActive {
		head += " [SUSPENDED]"
	}
	if len(entries) == 0 {
		return head + "\nNO MISSIONS FOR YOUR ARMY."
	}
	body := table(func(w *tabwriter.Writer) {
		for _, e := range entries {
			m := e.Mission
			title := m.Title
			if !m.IsMain {
				title = "  └ " + title
			}
			state := string(e.Progress)
			if state == "" {
				state = "AVAILABLE"
			}
			if m.Locked() && e.Progress == "" {
				state = string(core.MissionLocked)
			}
			var extra []string
			if e.Timed {
				switch {
				case e.Expired:
					extra = append(extra, "TIME UP")
				case e.Progress == core.MissionInProgress:
					extra = append(extra, formatClock(e.Remaining)+" LEFT")
				default:
					extra = append(extra, fmt.Sprintf("%d MIN", m.TimerMinutes))
				}
			}
			if e.HasDistance {
				extra = append(extra, geo.FormatDistance(e.Distance))
			}
			fmt.Fprintf(w, "%s\t%s\t%d PTS\t%s\t%s\n", m.ID, title, m.Points, state, strings.Join(extra, " "))
		}
	})
	return head + "\n" + body
}

func renderRanking(ops []core.Operator, me string) string {
	return table(func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "#\tCALLSIGN\tRANK\tSCORE\tARMY\tSTATUS")
		for i, op := range ops {
			marker := ""
			if op.ID == me {
				marker = " *"
			}
			fmt.Fprintf(w, "%d\t%s%s\t%s\t%d\t%s\t%s\n", i+1, op.Callsign, marker, op.Rank, op.Score, op.Army.Config().Label, op.Status)
		}
	})
}

func renderRanks(score int, known bool) string {
	current := rank.For(score)
	return table(func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "RANK\tFROM")
		for _, st := range rank.Ladder() {
			marker := ""
			if known && st.Label == current {
				marker = " <"
			}
			fmt.Fprintf(w, "%s%s\t%d\n", st.Label, marker, st.Min)
		}
	})
}

func renderOperation(op core.Operation) string {
	active := "ACTIVE"
	if !op.IsActive {
		active = "SUSPENDED"
	}
	mapInfo := op.MapURL
	if strings.HasPrefix(mapInfo, "data:") {
		mapInfo = fmt.Sprintf("uploaded image (%d KB encoded)", len(mapInfo)/1024)
	}
	return fmt.Sprintf("OPERATION %s\nDATE: %s\nSTATUS: %s\nMISSIONS: %d\nMAP: %s\n%s",
		op.Name, op.Date, active, len(op.Missions), mapInfo, op.Description)
}

func renderStatus(v coordinator.View, deviceID string, op *core.Operator, admin bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "LINK: %s\n", v.Mode)
	fmt.Fprintf(&b, "DEVICE: %s\n", deviceID)
	fmt.Fprintf(&b, "OPERATION: %s (%d operators)\n", v.Operation.Name, len(v.Leaderboard))
	if admin {
		b.WriteString("ADMIN: YES\n")
	}
	if op == nil {
		b.WriteString("OPERATOR: none")
		return b.String()
	}
	fmt.Fprintf(&b, "OPERATOR: %s %s [%s] %s\n", op.Rank, op.Callsign, op.Army.Config().Label, op.Status)
	fmt.Fprintf(&b, "SCORE: %d", op.Score)
	if next, missing, ok := rank.Next(op.Score); ok {
		fmt.Fprintf(&b, " (%d to %s)", missing, next)
	} else {
		b.WriteString(" (top rank)")
	}
	if lat, lng, ok := op.Position(); ok {
		fmt.Fprintf(&b, "\nPOSITION: %.5f,%.5f", lat, lng)
	}
	return b.String()
}
