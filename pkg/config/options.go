package config

// PipelineOptions switches the optional behaviour of a run. Values come from
// the options group of the configuration file and may be overridden from the
// environment.
type PipelineOptions struct {
	DeleteEmptyFeeds     bool   `yaml:"delete_empty_feeds" toml:"delete_empty_feeds"`
	FastTravelChecks     bool   `yaml:"fast_travel_checks" toml:"fast_travel_checks"`
	ComputeSummaries     bool   `yaml:"compute_summaries" toml:"compute_summaries"`
	BatchOrigins         bool   `yaml:"batch_origins" toml:"batch_origins"`
	ConsistencyReference string `yaml:"consistency_reference" toml:"consistency_reference" validate:"omitempty,file"`
}
