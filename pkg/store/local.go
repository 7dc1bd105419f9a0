package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storycast/storycast/pkg/models"
)

const recordFileName = "story.yaml"

// LocalStore keeps one directory per story under a root path. The story
// record is a YAML file next to the artifacts, so a story directory is
// self-contained and can be inspected or copied as-is.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("store root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

// SaveArtifact writes artifact bytes atomically: a temp file in the story
// directory is renamed into place, so readers never observe a partial write.
func (s *LocalStore) SaveArtifact(storyID, name string, data []byte) (models.ArtifactRef, error) {
	if err := validateComponent(storyID); err != nil {
		return "", err
	}
	if err := validateComponent(name); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, storyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create story directory: %w", err)
	}

	target := filepath.Join(dir, name)
	if err := writeAtomic(target, data); err != nil {
		return "", err
	}
	return models.ArtifactRef(filepath.ToSlash(filepath.Join(storyID, name))), nil
}

// LoadArtifact resolves a reference produced by SaveArtifact
func (s *LocalStore) LoadArtifact(ref models.ArtifactRef) ([]byte, error) {
	rel := filepath.FromSlash(string(ref))
	if rel == "" || strings.Contains(string(ref), "..") {
		return nil, ErrArtifactNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return data, nil
}

// SaveStory writes the story record, bumping UpdatedAt
func (s *LocalStore) SaveStory(story *models.Story) error {
	if err := validateComponent(story.ID); err != nil {
		return err
	}
	dir := filepath.Join(s.root, story.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create story directory: %w", err)
	}

	story.UpdatedAt = time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = story.UpdatedAt
	}

	data, err := yaml.Marshal(story)
	if err != nil {
		return fmt.Errorf("failed to marshal story record: %w", err)
	}
	return writeAtomic(filepath.Join(dir, recordFileName), data)
}

// GetStory loads one story record by id
func (s *LocalStore) GetStory(id string) (*models.Story, error) {
	if err := validateComponent(id); err != nil {
		return nil, ErrStoryNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, id, recordFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStoryNotFound
		}
		return nil, err
	}
	var story models.Story
	if err := yaml.Unmarshal(data, &story); err != nil {
		return nil, fmt.Errorf("failed to parse story record %s: %w", id, err)
	}
	return &story, nil
}

// ListStories returns all stored stories, most recently updated first
func (s *LocalStore) ListStories() ([]*models.Story, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	stories := make([]*models.Story, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		story, err := s.GetStory(entry.Name())
		if err != nil {
			// directories without a record are skipped, not fatal
			continue
		}
		stories = append(stories, story)
	}
	sort.Slice(stories, func(i, j int) bool {
		return stories[i].UpdatedAt.After(stories[j].UpdatedAt)
	})
	return stories, nil
}

// DeleteStory removes the story directory and everything in it
func (s *LocalStore) DeleteStory(id string) error {
	if err := validateComponent(id); err != nil {
		return ErrStoryNotFound
	}
	dir := filepath.Join(s.root, id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrStoryNotFound
	}
	return os.RemoveAll(dir)
}

// writeAtomic writes data to a sibling temp file and renames it over target
func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

// validateComponent rejects ids and names that would escape the store root
func validateComponent(component string) error {
	if component == "" {
		return fmt.Errorf("empty path component")
	}
	if strings.ContainsAny(component, `/\`) || component == "." || component == ".." {
		return fmt.Errorf("invalid path component %q", component)
	}
	return nil
}
