package model

import "time"

type AssemblyStatus string

const (
	AssemblyQueued            AssemblyStatus = "QUEUED"
	AssemblyUnitTesting       AssemblyStatus = "UNIT_TESTING"
	AssemblyUnitTestingFailed AssemblyStatus = "UNIT_TESTING_FAILED"
	AssemblyBuilding          AssemblyStatus = "BUILDING"
	AssemblyReady             AssemblyStatus = "READY"
	AssemblyDeleting          AssemblyStatus = "DELETING"
	AssemblyError             AssemblyStatus = "ERROR"
)

func (s AssemblyStatus) Valid() bool {
	switch s {
	case AssemblyQueued, AssemblyUnitTesting, AssemblyUnitTestingFailed,
		AssemblyBuilding, AssemblyReady, AssemblyDeleting, AssemblyError:
		return true
	}
	return false
}

func (s AssemblyStatus) Terminal() bool {
	return s == AssemblyReady || s == AssemblyError || s == AssemblyUnitTestingFailed
}

// CanTransition reports whether an assembly may move from s to next.
// DELETING is reachable from anywhere and never left. A terminal
// assembly may start a new cycle because triggers rebuild in place.
func (s AssemblyStatus) CanTransition(next AssemblyStatus) bool {
	if !next.Valid() || s == next || s == AssemblyDeleting {
		return false
	}
	return true
}

type Assembly struct {
	UUID      string         `json:"uuid"`
	Name      string         `json:"name"`
	PlanUUID  string         `json:"planUuid"`
	Status    AssemblyStatus `json:"status"`
	ProjectID string         `json:"projectId"`
	UserID    string         `json:"userId"`
	Username  string         `json:"username,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type Endpoint struct {
	AssemblyUUID string    `json:"assemblyUuid"`
	Address      string    `json:"address"`
	ImageID      string    `json:"imageId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AssemblyStatusFor mirrors an image state onto its assembly. The second
// return is false when the image state does not move the assembly.
func AssemblyStatusFor(state ImageState) (AssemblyStatus, bool) {
	switch state {
	case ImageUnitTesting:
		return AssemblyUnitTesting, true
	case ImageUnitTestingFailed:
		return AssemblyUnitTestingFailed, true
	case ImageBuilding:
		return AssemblyBuilding, true
	case ImageError:
		return AssemblyError, true
	}
	return "", false
}
