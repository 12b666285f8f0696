// Package rank maps cumulative operator score to a rank label.
package rank

// Step is one rung of the ladder: scores at or above Min earn Label.
type Step struct {
	Min   int
	Label string
}

// Base is the rank of a score below the first breakpoint.
const Base = "RECRUTA"

// ascending by Min
var ladder = []Step{
	{0, Base},
	{200, "SOLDADO"},
	{400, "CABO"},
	{600, "SARGENTO"},
	{800, "SUB-TENENTE"},
	{1000, "ASPIRANTE"},
	{1500, "TENENTE"},
	{2000, "CAPITÃO"},
	{2500, "MAJOR"},
	{3000, "CORONEL"},
	{3500, "GENERAL"},
	{4000, "MARECHAL"},
}

// Ladder returns a copy of the rank table in ascending order.
func Ladder() []Step {
	return append([]Step(nil), ladder...)
}

// For returns the rank label earned by score.
func For(score int) string {
	label := Base
	for _, s := range ladder {
		if score < s.Min {
			break
		}
		label = s.Label
	}
	return label
}

// Next returns the rank after the one earned by score and the points still
// missing to reach it. ok is false at the top of the ladder.
func Next(score int) (label string, missing int, ok bool) {
	for _, s := range ladder {
		if score < s.Min {
			return s.Label, s.Min - score, true
		}
	}
	return "", 0, false
}
