package selfplay

import "time"

// Config controls one self-play run.
type Config struct {
	// MaxSteps caps committed actions per instance; 0 means no cap.
	MaxSteps    int     `yaml:"max_steps"`
	Temperature float32 `yaml:"temperature"`

	SaveEvery time.Duration `yaml:"save_every"`
	WallTime  time.Duration `yaml:"wall_time"`
	// CacheDir, when set, is where checkpoint files are kept.
	CacheDir string `yaml:"cache_dir"`

	// InferenceOnly emits one row per finished instance instead of training data.
	InferenceOnly bool `yaml:"inference_only"`
	// UseValueSum builds action probabilities from child value sums instead of visits.
	UseValueSum bool  `yaml:"use_value_sum"`
	Seed        int64 `yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		MaxSteps:    0,
		Temperature: 1,
		SaveEvery:   10 * time.Second,
		WallTime:    1200 * time.Second,
	}
}
