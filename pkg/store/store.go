package store

import (
	"errors"

	"github.com/storycast/storycast/pkg/models"
)

var (
	// ErrStoryNotFound is returned when a story id has no record
	ErrStoryNotFound = errors.New("story not found")
	// ErrArtifactNotFound is returned when an artifact reference resolves to nothing
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Store persists story records and their binary artifacts. Artifact writes
// must be atomic: a reference handed out by SaveArtifact always resolves to a
// fully written artifact, even if the producing job was cancelled mid-stage.
type Store interface {
	SaveArtifact(storyID, name string, data []byte) (models.ArtifactRef, error)
	LoadArtifact(ref models.ArtifactRef) ([]byte, error)

	SaveStory(story *models.Story) error
	GetStory(id string) (*models.Story, error)
	ListStories() ([]*models.Story, error)
	DeleteStory(id string) error
}
