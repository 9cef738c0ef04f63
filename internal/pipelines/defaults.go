package pipelines

import (
	"path/filepath"

	"github.com/animus-labs/medscan/internal/arbitration"
	"github.com/animus-labs/medscan/internal/diagnostics"
	"github.com/animus-labs/medscan/internal/domain"
)

var (
	ChestVocabulary    = []string{"COVID", "Normal", "Viral Pneumonia", "Lung_Opacity"}
	FractureVocabulary = []string{"XR_ELBOW", "XR_FINGER", "XR_FOREARM", "XR_HAND", "XR_HUMERUS", "XR_SHOULDER", "XR_WRIST"}
)

// DefaultSpecs returns the chest and fracture pipelines laid out under
// modelsRoot as model/ and model1/.
func DefaultSpecs(modelsRoot, python string) []domain.PipelineSpec {
	if python == "" {
		python = "python3"
	}
	return []domain.PipelineSpec{
		{
			Name:       "chest",
			Executable: python,
			Script:     "pipeline.py",
			WorkingDir: filepath.Join(modelsRoot, "model"),
			Vocabulary: append([]string(nil), ChestVocabulary...),
		},
		{
			Name:       "fracture",
			Executable: python,
			Script:     "pipeline_mura.py",
			WorkingDir: filepath.Join(modelsRoot, "model1"),
			Vocabulary: append([]string(nil), FractureVocabulary...),
			RequiredArtifacts: []domain.ArtifactRequirement{
				{"mura_bodypart_model.pth", "mura_bodypart_model.h5", "mura_bodypart_model.keras"},
			},
			Extras: []domain.ExtraField{{Name: "location", TrimPrefix: "XR_"}},
		},
	}
}

// Default builds the chest and fracture pipelines under modelsRoot/model and
// modelsRoot/model1, run with the given python interpreter.
func Default(modelsRoot, python string) (*Catalog, error) {
	return New(DefaultSpecs(modelsRoot, python), arbitration.DefaultPolicy(), diagnostics.DefaultMarkerTable())
}
