package types

// CreateSessionRequest is the POST /sessions payload.
type CreateSessionRequest struct {
	// ModelPath is the path (absolute, or relative to the registry's models
	// directory) of the model file to construct a session from.
	// example: tinyllama-q4.gguf
	ModelPath string `json:"model_path" example:"tinyllama-q4.gguf"`
	// Seed for the session's RNG. 0 derives one from wall-clock time.
	// example: 42
	Seed uint64 `json:"seed,omitempty" example:"42"`
	// NCtx is the context window size in tokens. 0 keeps the server's
	// configured default (2048 when none is configured).
	// example: 2048
	NCtx uint32 `json:"n_ctx,omitempty" example:"2048"`
	// Temperature for sampling.
	// example: 0.8
	Temperature float32 `json:"temperature,omitempty" example:"0.8"`
	// TopK restricts sampling to the K highest-probability candidates.
	// example: 40
	TopK uint32 `json:"top_k,omitempty" example:"40"`
	// TopP is the nucleus sampling cutoff.
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// RepeatPenalty scales the probability of recently seen tokens.
	// example: 1.1
	RepeatPenalty float32 `json:"repeat_penalty,omitempty" example:"1.1"`
	// PreferMirostat selects the adaptive sampler when the backend supports
	// it: 0 disables it.
	// example: 0
	PreferMirostat uint8 `json:"prefer_mirostat,omitempty" example:"0"`
}

// AppendRequest is the POST /sessions/{id}/append payload.
type AppendRequest struct {
	// Text is appended to the session's prompt and evaluated.
	// example: Once upon a time,
	Text string `json:"text" example:"Once upon a time,"`
}

// RunRequest is the POST /sessions/{id}/run payload. The response streams
// NDJSON RunEvent records, one per generated token, terminated by one
// final record with Done set.
type RunRequest struct {
	// End is the text marker that stops generation once seen in the
	// accumulated output. Empty means generation runs until end-of-text.
	// example: \n\n
	End string `json:"end,omitempty" example:"\n\n"`
}

// RunEvent is one NDJSON line streamed by POST /sessions/{id}/run.
type RunEvent struct {
	// Token is the detokenized text fragment for this step. Empty on the
	// final (Done) event.
	// example: Hello
	Token string `json:"token,omitempty" example:"Hello"`
	// Done marks the final event in the stream.
	// example: false
	Done bool `json:"done,omitempty" example:"false"`
	// Text is the full generated text so far, included on the final event.
	Text string `json:"text,omitempty"`
	// Error carries a failure message on the final event if generation
	// failed partway through.
	Error string `json:"error,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Models available under the registry's models directory.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
