// Package fsindex implements the dataset index over a BIDS-style directory
// tree: one sub-<label>/ directory per participant, with anat/, dwi/ and
// fmap/ modality subdirectories underneath.
package fsindex

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
)

const participantPrefix = "sub-"

// imaging file suffixes the index recognizes; everything else in a modality
// directory (scratch files, editor droppings) is ignored.
var knownSuffixes = []string{".nii", ".nii.gz", ".mif", ".bval", ".bvec", ".json"}

// Index scans a dataset root on demand. It holds no cache: the dataset is
// read-only input and directory listings are cheap relative to the stages
// they feed.
type Index struct {
	root   string
	logger *zap.Logger
}

// New validates the dataset root and returns an index over it.
func New(root string, logger *zap.Logger) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &domain.IndexError{Message: "dataset root " + root, Err: err}
	}
	if !info.IsDir() {
		return nil, &domain.IndexError{Message: "dataset root " + root + " is not a directory"}
	}
	return &Index{root: root, logger: logger}, nil
}

// ListParticipants returns the labels of every sub-* directory under the
// root, sorted.
func (i *Index) ListParticipants() ([]domain.ParticipantID, error) {
	entries, err := os.ReadDir(i.root)
	if err != nil {
		return nil, &domain.IndexError{Message: "reading dataset root " + i.root, Err: err}
	}

	var participants []domain.ParticipantID
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), participantPrefix) {
			continue
		}
		label := strings.TrimPrefix(e.Name(), participantPrefix)
		if label == "" {
			i.logger.Warn("ignoring malformed participant directory", zap.String("dir", e.Name()))
			continue
		}
		participants = append(participants, domain.ParticipantID(label))
	}
	sort.Slice(participants, func(a, b int) bool { return participants[a] < participants[b] })

	i.logger.Debug("dataset indexed",
		zap.String("root", i.root),
		zap.Int("participants", len(participants)))
	return participants, nil
}

// FilesFor returns the absolute paths of the recognized imaging files in
// one modality directory, sorted. A missing modality directory yields an
// empty result, not an error.
func (i *Index) FilesFor(p domain.ParticipantID, modality string) ([]string, error) {
	dir := filepath.Join(i.root, participantPrefix+string(p), modality)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &domain.IndexError{Message: "reading " + dir, Err: err}
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !recognized(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func recognized(name string) bool {
	for _, suffix := range knownSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
