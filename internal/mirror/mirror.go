// Package mirror defines the local durable copy of the match state. It is
// written after every mutation, whatever the link mode, and read back at
// startup so a device without connectivity resumes where it stopped.
package mirror

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/comandos-hq/fieldlink/pkg/core"
)

// State is everything the mirror keeps besides the device id.
type State struct {
	Operation core.Operation  `json:"operation"`
	Ranking   []core.Operator `json:"ranking"`
}

// Mirror persists State wholesale.
type Mirror interface {
	// Load returns the saved state. ok is false when nothing was saved yet.
	Load() (st State, ok bool, err error)
	Save(st State) error

	LoadDeviceID() (id string, ok bool, err error)
	SaveDeviceID(id string) error

	Close() error
}

// ErrBadDeviceID is returned for a stored device id of the wrong shape.
var ErrBadDeviceID = errors.New("malformed device id")

const deviceIDPrefix = "DEV-"

// NewDeviceID returns "DEV-" followed by nine upper-case alphanumerics.
func NewDeviceID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return deviceIDPrefix + strings.ToUpper(hex[:9])
}

// ValidDeviceID reports whether id looks like one produced by NewDeviceID.
func ValidDeviceID(id string) bool {
	rest, ok := strings.CutPrefix(id, deviceIDPrefix)
	if !ok || len(rest) != 9 {
		return false
	}
	for _, r := range rest {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// DeviceID returns the persisted device id, generating and saving one on
// first use.
func DeviceID(m Mirror) (string, error) {
	id, ok, err := m.LoadDeviceID()
	if err != nil {
		return "", err
	}
	if ok {
		if !ValidDeviceID(id) {
			return "", fmt.Errorf("%w: %q", ErrBadDeviceID, id)
		}
		return id, nil
	}
	id = NewDeviceID()
	if err := m.SaveDeviceID(id); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}
