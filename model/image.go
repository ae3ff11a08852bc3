package model

import "time"

type ImageState string

const (
	ImagePending           ImageState = "PENDING"
	ImageUnitTesting       ImageState = "UNIT_TESTING"
	ImageUnitTestingFailed ImageState = "UNIT_TESTING_FAILED"
	ImageBuilding          ImageState = "BUILDING"
	ImageComplete          ImageState = "COMPLETE"
	ImageError             ImageState = "ERROR"
)

var imageRank = map[ImageState]int{
	ImagePending:           0,
	ImageUnitTesting:       1,
	ImageUnitTestingFailed: 3,
	ImageBuilding:          2,
	ImageComplete:          3,
	ImageError:             3,
}

func (s ImageState) Valid() bool {
	_, ok := imageRank[s]
	return ok
}

func (s ImageState) Terminal() bool {
	return s == ImageComplete || s == ImageError || s == ImageUnitTestingFailed
}

// CanTransition reports whether an image may move from s to next.
// States only move forward and terminal states are final. Any in-flight
// state may fail straight to ERROR; UNIT_TESTING_FAILED is only
// reachable from the test stage.
func (s ImageState) CanTransition(next ImageState) bool {
	if !next.Valid() || s.Terminal() || s == next {
		return false
	}
	if next == ImageUnitTestingFailed && s != ImageUnitTesting {
		return false
	}
	return imageRank[next] > imageRank[s]
}

type Image struct {
	UUID         string     `json:"uuid"`
	Name         string     `json:"name"`
	SourceURI    string     `json:"sourceUri"`
	BaseImageID  string     `json:"baseImageId"`
	SourceFormat string     `json:"sourceFormat"`
	ImageFormat  string     `json:"imageFormat"`
	State        ImageState `json:"state"`
	ExternalRef  string     `json:"externalRef,omitempty"`
	AssemblyUUID string     `json:"assemblyUuid,omitempty"`
	ProjectID    string     `json:"projectId"`
	UserID       string     `json:"userId"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
