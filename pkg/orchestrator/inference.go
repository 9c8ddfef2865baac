package orchestrator

import "time"

// InferenceSampleInput is one inference sample to register: an
// (input, output) pair rather than a single plaintext value, distinct
// from SampleInput's training-sample shape (spec §3 supplemented types,
// grounded on audit_trail.py's `add_inference_samples`, which takes
// `(id, input, output)` tuples instead of `(id, data)`).
type InferenceSampleInput struct {
	SampleID string
	Input    any
	Output   any
	Metadata map[string]any
}

// inferencePayload is the structured plaintext recorded for an inference
// sample, wrapping input and output together with the moment of
// registration so the capsule's content hash covers all three (spec §3,
// mirroring the original's `{"input", "output", "inference_timestamp"}`
// record).
type inferencePayload struct {
	Input              any    `json:"input"`
	Output             any    `json:"output"`
	InferenceTimestamp string `json:"inference_timestamp"`
}
