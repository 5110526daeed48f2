package experiment

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatFloat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{1, "1.0"},
		{0.1, "0.1"},
		{0.30000000000000004, "0.30000000000000004"},
		{1e-5, "1e-05"},
		{3e-4, "0.0003"},
		{0.0001, "0.0001"},
		{2.5, "2.5"},
		{128, "128.0"},
		{1e16, "1e+16"},
		{-0.5, "-0.5"},
	}
	for _, tc := range tests {
		if got := FormatFloat(tc.in); got != tc.want {
			t.Fatalf("FormatFloat(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSweepCoefficients(t *testing.T) {
	t.Parallel()

	got := SweepCoefficients()
	if len(got) != 21 || got[0] != 0 || got[20] != 2 {
		t.Fatalf("unexpected sweep %v", got)
	}
	if FormatFloat(got[3]) != "0.3" || FormatFloat(got[7]) != "0.7" {
		t.Fatalf("sweep values are not rounded: %v, %v", got[3], got[7])
	}
}

func validHP() Hyperparams {
	hp := DefaultHyperparams()
	hp.TrainDatasets = []string{"Cars", "DTD"}
	hp.EvalDatasets = []string{"Cars", "DTD"}
	return hp
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validHP().Validate(); err != nil {
		t.Fatalf("default hyperparameters rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Hyperparams)
		want   string
	}{
		{"finetuning type", func(h *Hyperparams) { h.FinetuningType = "full" }, "finetuning type"},
		{"indivisible batch", func(h *Hyperparams) { h.BatchSize, h.GradAccumSteps = 10, 3 }, "not divisible"},
		{"norm", func(h *Hyperparams) { h.Norm = "nuc" }, "norm"},
		{"dataset type", func(h *Hyperparams) { h.DatasetType = "interleave" }, "dataset type"},
		{"label smoothing", func(h *Hyperparams) { h.LS = 1 }, "label smoothing"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hp := validHP()
			tc.mutate(&hp)
			err := hp.Validate()
			if !errors.Is(err, ErrInvalidHyperparams) {
				t.Fatalf("expected ErrInvalidHyperparams, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	hp := validHP()
	hp.BatchSize, hp.GradAccumSteps = 128, 4
	hp.Rank, hp.Alpha = 16, 32
	n := hp.Normalize()
	if n.BatchSize != 32 || n.Rank != 0 || n.Alpha != 0 {
		t.Fatalf("standard normalize gave bs=%d rank=%d alpha=%d", n.BatchSize, n.Rank, n.Alpha)
	}
	if hp.BatchSize != 128 {
		t.Fatal("Normalize mutated its receiver")
	}

	hp.FinetuningType = FinetuneLoRA
	n = hp.Normalize()
	if n.Rank != 16 || n.Alpha != 32 {
		t.Fatalf("lora normalize dropped rank/alpha: %d/%d", n.Rank, n.Alpha)
	}

	cfg := n.TrainConfig(3)
	if cfg.BatchSize != 32 || cfg.GradAccumSteps != 4 || cfg.Workers != 3 || cfg.LR != hp.LR {
		t.Fatalf("unexpected train config %+v", cfg)
	}
}

func TestLayout(t *testing.T) {
	t.Parallel()

	hp := validHP()
	hp.Lamb, hp.Beta, hp.Epochs = 0.5, 1, 10
	l := NewLayout(Roots{Model: "/m", Result: "/r"}, hp.Normalize())

	tests := []struct {
		name, got, want string
	}{
		{"zeroshot", l.ZeroshotPath("openai"), "/m/ViT-B-32/openai/standard/zeroshot_rank_0.safetensors"},
		{"head", l.HeadPath("openai", "DTD"), "/m/ViT-B-32/openai/heads/head_DTD.safetensors"},
		{"finetuned", l.FinetunedPath("Cars"),
			"/m/ViT-B-32/openai/standard/lr_1e-05_wd_0.1_ls_0.0/rank_0_alpha_0/finetune/bs_128_seed_0/finetuned_image_encoder_on_Cars.safetensors"},
		{"task vector", l.TaskVectorPath(hp.EvalDatasets),
			"/m/ViT-B-32/openai/standard/lr_1e-05_wd_0.1_ls_0.0/rank_0_alpha_0/bs_128_seed_0/task_vector_for_Cars+DTD.tvec"},
		{"arithmetic", l.ArithmeticResultPath(1),
			"/r/ViT-B-32/openai/standard/lr_1e-05_wd_0.1_ls_0.0/rank_0_alpha_0/arithmetic_on_openai/bs_128_seed_0/Cars+DTD/accuracy/lambda_1.0.json"},
		{"summary", l.ArithmeticSummaryPath(),
			"/r/ViT-B-32/openai/standard/lr_1e-05_wd_0.1_ls_0.0/rank_0_alpha_0/arithmetic_on_openai/bs_128_seed_0/Cars+DTD/summary.json"},
		{"ortho encoder", l.OrthoFinetunedPath(),
			"/m/ViT-B-32/openai/standard/lr_1e-05_wd_0.1_ls_0.0/rank_0_alpha_0/orthogonal_finetune_on_openai/bs_128_seed_0/Cars+DTD/cycle/randomize_False_lamb_0.5/num_images_0_num_augments_0_beta_1.0/orthogonal_finetuned_image_encoder_on_Cars+DTD_for_epochs_10.safetensors"},
		{"ortho vector", l.OrthoTaskVectorPath(),
			"/m/ViT-B-32/openai/standard/lr_1e-05_wd_0.1_ls_0.0/rank_0_alpha_0/orthogonal_finetune_on_openai/bs_128_seed_0/Cars+DTD/cycle/randomize_False_lamb_0.5/num_images_0_num_augments_0_beta_1.0/orthogonal_finetuned_task_vector_on_Cars+DTD_for_epochs_10.tvec"},
		{"ortho result", l.OrthoResultPath(),
			"/r/ViT-B-32/openai/standard/lr_1e-05_wd_0.1_ls_0.0/rank_0_alpha_0/orthogonal_finetune_on_openai/bs_128_seed_0/Cars+DTD/cycle/randomize_False_lamb_0.5/num_images_0_num_augments_0_beta_1.0/orthogonal_finetuned_on_Cars+DTD_for_epochs_10.json"},
	}
	for _, tc := range tests {
		if tc.got != filepath.FromSlash(tc.want) {
			t.Fatalf("%s path:\n got %s\nwant %s", tc.name, tc.got, tc.want)
		}
	}
}

func TestLayoutDistinguishesConfigurations(t *testing.T) {
	t.Parallel()

	base := validHP()
	variants := []func(*Hyperparams){
		func(h *Hyperparams) { h.LR = 2e-5 },
		func(h *Hyperparams) { h.WD = 0 },
		func(h *Hyperparams) { h.LS = 0.1 },
		func(h *Hyperparams) { h.FinetuningType = FinetuneLoRA; h.Rank = 8; h.Alpha = 8 },
		func(h *Hyperparams) { h.Seed = 1 },
		func(h *Hyperparams) { h.BatchSize = 64 },
		func(h *Hyperparams) { h.PretrainedToTransfer = "laion" },
		func(h *Hyperparams) { h.Pretrained = "laion" },
		func(h *Hyperparams) { h.TrainDatasets = []string{"Cars"} },
		func(h *Hyperparams) { h.DatasetType = "mix" },
		func(h *Hyperparams) { h.Randomize = true },
		func(h *Hyperparams) { h.Lamb = 0.3 },
		func(h *Hyperparams) { h.NumImages = 16 },
		func(h *Hyperparams) { h.NumAugments = 2 },
		func(h *Hyperparams) { h.Beta = 0.5 },
		func(h *Hyperparams) { h.Epochs = 2 },
	}
	roots := Roots{Model: "/m", Result: "/r"}
	seen := map[string]int{NewLayout(roots, base).OrthoResultPath(): -1}
	for i, v := range variants {
		hp := base
		hp.TrainDatasets = append([]string(nil), base.TrainDatasets...)
		v(&hp)
		p := NewLayout(roots, hp).OrthoResultPath()
		if j, ok := seen[p]; ok {
			t.Fatalf("variant %d collides with %d at %s", i, j, p)
		}
		seen[p] = i
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err != nil || cfg.LR != nil {
		t.Fatalf("missing config: %+v, %v", cfg, err)
	}

	path := filepath.Join(dir, "config.yaml")
	body := "model_root: /models\nlr: 0.0003\nrank: 0\nrandomize: true\ntrain_datasets: [Cars, DTD]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelRoot != "/models" || cfg.LR == nil || *cfg.LR != 3e-4 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Rank == nil || *cfg.Rank != 0 {
		t.Fatal("explicit zero rank was lost")
	}
	if cfg.Alpha != nil || cfg.Randomize == nil || !*cfg.Randomize || len(cfg.TrainDatasets) != 2 {
		t.Fatalf("unexpected optional fields %+v", cfg)
	}

	if err := os.WriteFile(path, []byte("lr: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRootsEnvOverride(t *testing.T) {
	t.Parallel()

	cfg := Config{ModelRoot: "/cfg/models", ResultRoot: "/cfg/results"}
	env := map[string]string{EnvModelRoot: "/env/models", EnvDatasetRoot: " /env/data "}
	r := cfg.Roots(func(k string) string { return env[k] })
	if r.Model != "/env/models" || r.Dataset != "/env/data" || r.Result != "/cfg/results" {
		t.Fatalf("unexpected roots %+v", r)
	}
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a", "b", "lambda_0.5.json")
	coef := 0.5
	in := Result{
		RunID:       NewRunID(),
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Kind:        KindArithmetic,
		Hyperparams: validHP(),
		Coefficient: &coef,
		Accuracy:    map[string]float64{"Cars": 0.5, "AVG.": 0.5},
	}
	if err := WriteJSON(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadResult(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.RunID != in.RunID || !out.CreatedAt.Equal(in.CreatedAt) || *out.Coefficient != coef || out.Accuracy["AVG."] != 0.5 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if len(out.Hyperparams.TrainDatasets) != 2 {
		t.Fatalf("hyperparameters lost: %+v", out.Hyperparams)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}
}
