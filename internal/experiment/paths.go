package experiment

import (
	"fmt"
	"path/filepath"

	"github.com/samcharles93/taskarith/internal/taskvector"
)

const (
	EncoderExt = ".safetensors"
	ResultExt  = ".json"
)

// Roots are the three directories every path hangs from.
type Roots struct {
	Model   string `json:"model_root" yaml:"model_root"`
	Dataset string `json:"dataset_root" yaml:"dataset_root"`
	Result  string `json:"result_root" yaml:"result_root"`
}

// Layout resolves file locations for one normalized identity.
type Layout struct {
	Roots
	HP Hyperparams
}

func NewLayout(roots Roots, hp Hyperparams) Layout {
	return Layout{Roots: roots, HP: hp}
}

func (l Layout) typeDir(root, source string) string {
	return filepath.Join(root, l.HP.Architecture, source, l.HP.FinetuningType)
}

func (l Layout) optimDirs() []string {
	h := l.HP
	return []string{
		fmt.Sprintf("lr_%s_wd_%s_ls_%s", FormatFloat(h.LR), FormatFloat(h.WD), FormatFloat(h.LS)),
		fmt.Sprintf("rank_%d_alpha_%d", h.Rank, h.Alpha),
	}
}

func (l Layout) batchDir() string {
	return fmt.Sprintf("bs_%d_seed_%d", l.HP.BatchSize, l.HP.Seed)
}

func (l Layout) join(parts ...string) string {
	return filepath.Join(parts...)
}

// ZeroshotPath is the encoder checkpoint of the given pretrained source
// before any fine-tuning.
func (l Layout) ZeroshotPath(source string) string {
	return l.join(l.typeDir(l.Model, source), fmt.Sprintf("zeroshot_rank_%d%s", l.HP.Rank, EncoderExt))
}

// HeadPath is the frozen classification head of a dataset for a
// pretrained source.
func (l Layout) HeadPath(source, dataset string) string {
	return l.join(l.Model, l.HP.Architecture, source, "heads", "head_"+dataset+EncoderExt)
}

// FinetunedPath is the checkpoint fine-tuned on dataset from
// PretrainedToTransfer.
func (l Layout) FinetunedPath(dataset string) string {
	parts := append([]string{l.typeDir(l.Model, l.HP.PretrainedToTransfer)}, l.optimDirs()...)
	parts = append(parts, "finetune", l.batchDir(), "finetuned_image_encoder_on_"+dataset+EncoderExt)
	return l.join(parts...)
}

// TaskVectorPath is the combined task vector for the given datasets.
func (l Layout) TaskVectorPath(datasets []string) string {
	parts := append([]string{l.typeDir(l.Model, l.HP.PretrainedToTransfer)}, l.optimDirs()...)
	parts = append(parts, l.batchDir(), "task_vector_for_"+DatasetsLabel(datasets)+taskvector.FileExt)
	return l.join(parts...)
}

func (l Layout) arithmeticDir() string {
	parts := append([]string{l.typeDir(l.Result, l.HP.PretrainedToTransfer)}, l.optimDirs()...)
	parts = append(parts, "arithmetic_on_"+l.HP.Pretrained, l.batchDir(), DatasetsLabel(l.HP.EvalDatasets))
	return l.join(parts...)
}

// ArithmeticResultPath is the accuracy record for one sweep coefficient.
func (l Layout) ArithmeticResultPath(coef float64) string {
	return l.join(l.arithmeticDir(), "accuracy", "lambda_"+FormatFloat(coef)+ResultExt)
}

// ArithmeticSummaryPath collects every coefficient of a sweep.
func (l Layout) ArithmeticSummaryPath() string {
	return l.join(l.arithmeticDir(), "summary"+ResultExt)
}

func (l Layout) orthoDir(root string) string {
	h := l.HP
	parts := append([]string{l.typeDir(root, h.PretrainedToTransfer)}, l.optimDirs()...)
	parts = append(parts,
		"orthogonal_finetune_on_"+h.Pretrained,
		l.batchDir(),
		DatasetsLabel(h.TrainDatasets),
		h.DatasetType,
		fmt.Sprintf("randomize_%s_lamb_%s", formatBool(h.Randomize), FormatFloat(h.Lamb)),
		fmt.Sprintf("num_images_%d_num_augments_%d_beta_%s", h.NumImages, h.NumAugments, FormatFloat(h.Beta)),
	)
	return l.join(parts...)
}

func (l Layout) orthoSuffix() string {
	return fmt.Sprintf("on_%s_for_epochs_%d", DatasetsLabel(l.HP.TrainDatasets), l.HP.Epochs)
}

// OrthoFinetunedPath is the encoder left by orthogonal fine-tuning.
func (l Layout) OrthoFinetunedPath() string {
	return l.join(l.orthoDir(l.Model), "orthogonal_finetuned_image_encoder_"+l.orthoSuffix()+EncoderExt)
}

// OrthoTaskVectorPath is the task vector of the orthogonally fine-tuned
// encoder against a fresh one.
func (l Layout) OrthoTaskVectorPath() string {
	return l.join(l.orthoDir(l.Model), "orthogonal_finetuned_task_vector_"+l.orthoSuffix()+taskvector.FileExt)
}

// OrthoResultPath is the evaluation record of orthogonal fine-tuning.
func (l Layout) OrthoResultPath() string {
	return l.join(l.orthoDir(l.Result), "orthogonal_finetuned_"+l.orthoSuffix()+ResultExt)
}
