package secondary

import "context"

// PatchSource defines the secondary port for discovering raw messages.
// FetchSince must be safe to call repeatedly with the same checkpoint.
type PatchSource interface {
	// Name identifies the source; checkpoints are stored per name.
	Name() string

	// FetchSince returns up to limit messages after checkpoint, in source
	// order, and the checkpoint that follows the last one returned.
	FetchSince(ctx context.Context, checkpoint string, limit int) (*FetchResult, error)
}

// RawMessage is one undecoded message and where it came from.
type RawMessage struct {
	Ref  string
	Data []byte
}

// FetchResult is one page of discovered messages.
type FetchResult struct {
	Messages   []RawMessage
	Checkpoint string
}
