// pkg/core/operation.go
package core

import "time"

// Document locations in the remote store.
const (
	OperationsCollection = "operations"
	RankingCollection    = "ranking"
	OperationID          = "op-001"
)

// OperationPath is the path of the singleton operation document.
func OperationPath() string {
	return OperationsCollection + "/" + OperationID
}

// OperatorPath is the path of an operator's document.
func OperatorPath(id string) string {
	return RankingCollection + "/" + id
}

// Operation is the single active match.
type Operation struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Date        string    `json:"date"`
	Description string    `json:"description"`
	Missions    []Mission `json:"missions"`
	MapURL      string    `json:"mapUrl"`
	IsActive    bool      `json:"isActive"`
}

// Clone returns a deep copy of op.
func (op Operation) Clone() Operation {
	c := op
	if op.Missions != nil {
		c.Missions = make([]Mission, len(op.Missions))
		for i, m := range op.Missions {
			c.Missions[i] = m.Clone()
		}
	}
	return c
}

// Mission looks up a mission by id.
func (op Operation) Mission(id string) (Mission, bool) {
	for _, m := range op.Missions {
		if m.ID == id {
			return m, true
		}
	}
	return Mission{}, false
}

// DefaultOperation is the seed written the first time the match is booted.
func DefaultOperation(now time.Time) Operation {
	ts := now.UnixMilli()
	return Operation{
		ID:          OperationID,
		Name:        "CHERNOBYL RECOVERY",
		Date:        "2026-04-19",
		Description: "RECUPERAÇÃO DE ATIVOS EM ZONA HOSTIL.",
		MapURL:      "https://images.unsplash.com/photo-1526370417036-39e44686985d?auto=format&fit=crop&q=80&w=1200",
		IsActive:    true,
		Missions: []Mission{
			{
				ID:        "m-01",
				Title:     "PERÍMETRO ALPHA",
				Briefing:  "Garanta a segurança do setor Leste para a chegada do comboio. Elimine resistência.",
				Points:    500,
				IsMain:    true,
				Status:    MissionActive,
				Location:  &Location{Lat: -23.5505, Lng: -46.6333, Label: "SETOR LESTE"},
				Code:      "ALPHA-9",
				UpdatedAt: ts,
				Armies:    []Army{ArmyAliado, ArmyInvasor, ArmyMercenario},
			},
			{
				ID:        "m-02",
				Title:     "RECUPERAR INTEL",
				Briefing:  "Localize o rádio abandonado na casa em ruínas (Ponto Beta).",
				Points:    250,
				IsMain:    false,
				Status:    MissionActive,
				Code:      "BETA-VIX",
				UpdatedAt: ts,
				ParentID:  "m-01",
				Armies:    []Army{ArmyAliado, ArmyMercenario},
			},
			{
				ID:        "m-03",
				Title:     "EXTRAÇÃO SEGURA",
				Briefing:  "Prepare a LZ para o helicóptero de extração no Setor Norte.",
				Points:    400,
				IsMain:    true,
				Status:    MissionLocked,
				Code:      "EXIT-7",
				UpdatedAt: ts,
				Armies:    []Army{ArmyAliado},
			},
		},
	}
}
