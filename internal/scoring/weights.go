package scoring

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/fraudrun/internal/features"
)

//go:embed weights.yaml
var embeddedWeights []byte

// Weights holds the shipped logistic regression parameters in canonical
// feature order.
type Weights struct {
	Coef      [features.Count]float64
	Intercept float64
}

type weightsFile struct {
	Model        string             `yaml:"model"`
	Intercept    float64            `yaml:"intercept"`
	Coefficients map[string]float64 `yaml:"coefficients"`
}

// LoadWeights reads model weights from modelPath/weights.yaml, falling back
// to the embedded copy when the path is empty. A present-but-unreadable or
// malformed file is an error; startup treats that as fatal.
func LoadWeights(modelPath string) (Weights, error) {
	data := embeddedWeights
	if modelPath != "" {
		path := filepath.Join(modelPath, "weights.yaml")
		b, err := os.ReadFile(path)
		if err != nil {
			return Weights{}, fmt.Errorf("read model weights %s: %w", path, err)
		}
		data = b
	}
	return parseWeights(data)
}

func parseWeights(data []byte) (Weights, error) {
	var wf weightsFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return Weights{}, fmt.Errorf("parse model weights: %w", err)
	}
	var w Weights
	w.Intercept = wf.Intercept
	names := features.Names()
	for i, name := range names {
		c, ok := wf.Coefficients[name]
		if !ok {
			return Weights{}, fmt.Errorf("model weights missing coefficient %q", name)
		}
		w.Coef[i] = c
	}
	if len(wf.Coefficients) != features.Count {
		return Weights{}, fmt.Errorf("model weights carry %d coefficients, want %d",
			len(wf.Coefficients), features.Count)
	}
	return w, nil
}
