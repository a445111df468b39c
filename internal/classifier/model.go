// Package classifier maps raw model output onto a binary target-class verdict.
package classifier

import (
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
)

var (
	// ErrModelLoad is matched by every failure to construct a Classifier.
	ErrModelLoad = errors.NewStd("model load failed")
	// ErrInferenceFailed is matched by every per-request classification failure.
	ErrInferenceFailed = errors.NewStd("inference failed")
)

// Prediction is the raw output of a model: its top label and the
// probability of each label.
type Prediction struct {
	Label         string
	Probabilities map[string]float64
}

// Model is a loaded, pre-trained image classifier.
type Model interface {
	Predict(buf *imagenorm.Buffer) (Prediction, error)
	Labels() []string
	Close() error
}

// Loader creates a Model. Open calls it exactly once.
type Loader func() (Model, error)

// LabelScore is one entry of a ranked distribution.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Result is the outcome of one classification.
type Result struct {
	IsTargetClass bool         `json:"is_target_class"`
	Confidence    float64      `json:"confidence"`
	Label         string       `json:"label"`
	TopK          []LabelScore `json:"top_k,omitempty"`
}

func (r Result) clone() Result {
	if r.TopK != nil {
		r.TopK = append([]LabelScore(nil), r.TopK...)
	}
	return r
}
