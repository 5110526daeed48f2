package train

import (
	"fmt"

	"github.com/samcharles93/taskarith/internal/dataset"
	"github.com/samcharles93/taskarith/internal/encoder"
)

const (
	ModeCycle = "cycle"
	ModeMix   = "mix"
)

// Task is one fine-tuning dataset with its frozen classification head.
type Task struct {
	Name string
	Head *encoder.Head
	Data *dataset.Split
}

// Strategy selects how tasks are scheduled. It is implemented only by
// CycleStrategy and MixStrategy.
type Strategy interface {
	Mode() string
	tasks() []Task
}

// CycleStrategy trains on one dataset at a time within every epoch, each
// with its own head and learning-rate schedule.
type CycleStrategy struct {
	Tasks []Task
}

// MixStrategy draws batches from the union of all datasets; every row is
// scored by the head of the dataset it came from.
type MixStrategy struct {
	Tasks []Task
}

func (CycleStrategy) Mode() string    { return ModeCycle }
func (s CycleStrategy) tasks() []Task { return s.Tasks }
func (MixStrategy) Mode() string      { return ModeMix }
func (s MixStrategy) tasks() []Task   { return s.Tasks }

// NewStrategy builds the strategy named by mode.
func NewStrategy(mode string, tasks []Task) (Strategy, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("train: no tasks for %s strategy", mode)
	}
	for _, t := range tasks {
		if t.Head == nil || t.Data == nil || t.Data.Len() == 0 {
			return nil, fmt.Errorf("train: task %q needs a head and non-empty data", t.Name)
		}
	}
	switch mode {
	case ModeCycle:
		return CycleStrategy{Tasks: tasks}, nil
	case ModeMix:
		return MixStrategy{Tasks: tasks}, nil
	}
	return nil, fmt.Errorf("train: unknown dataset mode %q (want %q or %q)", mode, ModeCycle, ModeMix)
}
