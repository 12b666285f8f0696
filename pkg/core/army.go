// pkg/core/army.go
package core

import (
	"slices"
	"strings"
)

// Army is the faction an operator enlists in. The set is closed.
type Army string

const (
	ArmyAliado     Army = "ALIADO"
	ArmyInvasor    Army = "INVASOR"
	ArmyMercenario Army = "MERCENARIO"
)

// ArmyConfig is the cosmetic identity of a faction.
type ArmyConfig struct {
	Label       string
	Color       string
	Description string
}

var armyConfigs = map[Army]ArmyConfig{
	ArmyAliado:     {Label: "ALIADO", Color: "#3b82f6", Description: "Forças de Defesa e Estabilização."},
	ArmyInvasor:    {Label: "INVASOR", Color: "#ef4444", Description: "Unidades de Assalto e Infiltração."},
	ArmyMercenario: {Label: "MERCENÁRIO", Color: "#eab308", Description: "Especialistas em busca de lucro."},
}

// Armies lists every faction in enlistment order.
func Armies() []Army {
	return []Army{ArmyAliado, ArmyInvasor, ArmyMercenario}
}

// ParseArmy resolves a faction by name or label, case-insensitively.
func ParseArmy(s string) (Army, bool) {
	for _, a := range Armies() {
		if strings.EqualFold(string(a), s) || strings.EqualFold(armyConfigs[a].Label, s) {
			return a, true
		}
	}
	return "", false
}

// Valid reports whether a is one of the three factions.
func (a Army) Valid() bool {
	_, ok := armyConfigs[a]
	return ok
}

// Config returns the faction's cosmetic record.
func (a Army) Config() ArmyConfig {
	return armyConfigs[a]
}

// CanSee is the faction's visibility predicate for missions.
func (a Army) CanSee(m Mission) bool {
	return slices.Contains(m.Armies, a)
}
