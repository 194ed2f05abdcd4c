package ai

import "time"

const (
	// DefaultModelName is the default Gemini model used for extraction and categorization.
	DefaultModelName = "gemini-2.5-flash"

	// DefaultRequestTimeout bounds every single call to the model service.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultPollInterval is the wait between checks of an uploaded file's state.
	DefaultPollInterval = 1500 * time.Millisecond

	// DefaultMaxProcessingWait bounds how long an uploaded file may stay in processing.
	DefaultMaxProcessingWait = 2 * time.Minute
)
