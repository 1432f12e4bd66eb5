package entity

// FetchConfig is the set of fetch options recognized by the system. Values
// the engine understands but the orchestrator does not ride in Extra and are
// handed to the engine untouched.
type FetchConfig struct {
	Format         string            `json:"format,omitempty"`
	AudioOnly      bool              `json:"audio_only,omitempty"`
	OutputTemplate string            `json:"output_template,omitempty"`
	RateLimit      int64             `json:"rate_limit,omitempty"` // bytes per second, 0 means unlimited
	MaxRetries     int               `json:"max_retries,omitempty"`
	Live           bool              `json:"live,omitempty"`
	Auth           string            `json:"auth,omitempty"` // opaque authentication material
	Extra          map[string]string `json:"extra,omitempty"`
}
