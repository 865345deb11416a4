package speech

// Tuning 合成后端的采样与切分参数，中继不解释其含义
type Tuning struct {
	TopK              *int     `json:"top_k,omitempty" yaml:"top_k"`
	TopP              *float64 `json:"top_p,omitempty" yaml:"top_p"`
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature"`
	TextSplitMethod   string   `json:"text_split_method,omitempty" yaml:"text_split_method"`
	BatchSize         *int     `json:"batch_size,omitempty" yaml:"batch_size"`
	BatchThreshold    *float64 `json:"batch_threshold,omitempty" yaml:"batch_threshold"`
	SplitBucket       *bool    `json:"split_bucket,omitempty" yaml:"split_bucket"`
	SpeedFactor       *float64 `json:"speed_factor,omitempty" yaml:"speed_factor"`
	FragmentInterval  *float64 `json:"fragment_interval,omitempty" yaml:"fragment_interval"`
	Seed              *int     `json:"seed,omitempty" yaml:"seed"`
	ParallelInfer     *bool    `json:"parallel_infer,omitempty" yaml:"parallel_infer"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty"`
	SampleSteps       *int     `json:"sample_steps,omitempty" yaml:"sample_steps"`
	SuperSampling     *bool    `json:"super_sampling,omitempty" yaml:"super_sampling"`
}

// DefaultTuning 与合成后端自身的默认值保持一致
func DefaultTuning() Tuning {
	return Tuning{
		TopK:              ptr(5),
		TopP:              ptr(1.0),
		Temperature:       ptr(1.0),
		TextSplitMethod:   "cut0",
		BatchSize:         ptr(1),
		BatchThreshold:    ptr(0.75),
		SplitBucket:       ptr(true),
		SpeedFactor:       ptr(1.0),
		FragmentInterval:  ptr(0.3),
		Seed:              ptr(-1),
		ParallelInfer:     ptr(true),
		RepetitionPenalty: ptr(1.35),
		SampleSteps:       ptr(32),
		SuperSampling:     ptr(false),
	}
}

// Merge 用 override 中显式设置的字段覆盖当前值
func (t Tuning) Merge(override *Tuning) Tuning {
	if override == nil {
		return t
	}
	if override.TopK != nil {
		t.TopK = override.TopK
	}
	if override.TopP != nil {
		t.TopP = override.TopP
	}
	if override.Temperature != nil {
		t.Temperature = override.Temperature
	}
	if override.TextSplitMethod != "" {
		t.TextSplitMethod = override.TextSplitMethod
	}
	if override.BatchSize != nil {
		t.BatchSize = override.BatchSize
	}
	if override.BatchThreshold != nil {
		t.BatchThreshold = override.BatchThreshold
	}
	if override.SplitBucket != nil {
		t.SplitBucket = override.SplitBucket
	}
	if override.SpeedFactor != nil {
		t.SpeedFactor = override.SpeedFactor
	}
	if override.FragmentInterval != nil {
		t.FragmentInterval = override.FragmentInterval
	}
	if override.Seed != nil {
		t.Seed = override.Seed
	}
	if override.ParallelInfer != nil {
		t.ParallelInfer = override.ParallelInfer
	}
	if override.RepetitionPenalty != nil {
		t.RepetitionPenalty = override.RepetitionPenalty
	}
	if override.SampleSteps != nil {
		t.SampleSteps = override.SampleSteps
	}
	if override.SuperSampling != nil {
		t.SuperSampling = override.SuperSampling
	}
	return t
}

func ptr[T any](v T) *T { return &v }
