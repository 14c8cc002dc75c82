package llm

import "context"

// QueryOutput is the structured completion payload: a single SQL query.
type QueryOutput struct {
	Query string `json:"query"`
}

// Client is one external language-generation capability. Both calls block
// until the provider responds or the client's own HTTP timeout fires; there
// is no retry.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteQuery(ctx context.Context, prompt string) (QueryOutput, error)
}
