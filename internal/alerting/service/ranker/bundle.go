package ranker

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const bundleVersion = 1

// ErrIncompleteBundle is returned when a model artifact lacks the
// classifier, the scaler or the vocabulary it was trained with.
var ErrIncompleteBundle = errors.New("incomplete model bundle")

// ErrEncoderMismatch is returned when a bundle was trained on embeddings from
// a different encoder model or dimension than the live encoder.
var ErrEncoderMismatch = errors.New("model bundle does not match encoder")

// Bundle is the trained artifact: the classifier and everything needed to
// reproduce its input features. It is saved and swapped as one unit.
type Bundle struct {
	Version             int
	ID                  string
	TrainedAt           time.Time
	EncoderModel        string
	EmbeddingDim        int
	Forest              *Forest
	Scaler              *Scaler
	TFIDF               *TFIDF
	NoiseThreshold      float64
	FalseNegativeTarget float64
}

func (b *Bundle) validate() error {
	switch {
	case b.Forest == nil || len(b.Forest.Trees) == 0:
		return fmt.Errorf("%w: classifier missing", ErrIncompleteBundle)
	case b.Scaler == nil || b.Scaler.Dimension() == 0:
		return fmt.Errorf("%w: scaler missing", ErrIncompleteBundle)
	case b.TFIDF == nil:
		return fmt.Errorf("%w: vocabulary missing", ErrIncompleteBundle)
	case b.Scaler.Dimension() != b.Forest.NFeatures:
		return fmt.Errorf("%w: scaler has %d features, classifier %d", ErrIncompleteBundle, b.Scaler.Dimension(), b.Forest.NFeatures)
	}
	return nil
}

// SaveBundle writes b to path through a temporary file.
func SaveBundle(path string, b *Bundle) error {
	if err := b.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(b); err != nil {
		tmp.Close()
		return fmt.Errorf("encode model bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadBundle reads and validates a bundle.
func LoadBundle(path string) (*Bundle, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return decodeBundle(fh)
}

func decodeBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := gob.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode model bundle: %w", err)
	}
	if b.Version != bundleVersion {
		return nil, fmt.Errorf("model bundle version %d, want %d", b.Version, bundleVersion)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
