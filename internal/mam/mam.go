package mam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is not retried: the owning thing stays offline until reconfigured.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport covers helper process failures. The next tick retries.
	ErrTransport         = errors.New("transport error")
	ErrMalformedResponse = errors.New("malformed transport response")
	ErrMissingKey        = errors.New("restricted mode requires a key")
	ErrUnsupportedMode   = errors.New("unsupported mode")
)

type Mode string

const (
	ModePublic     Mode = "public"
	ModePrivate    Mode = "private"
	ModeRestricted Mode = "restricted"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePublic, ModePrivate, ModeRestricted:
		return m, nil
	case "":
		return ModePublic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// CheckKey enforces that restricted streams carry a key and that other modes are known.
func CheckKey(mode Mode, key string) error {
	switch mode {
	case ModePublic, ModePrivate:
		return nil
	case ModeRestricted:
		if key == "" {
			return ErrMissingKey
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// NoStart asks the transport to rebuild the tree depth from the stream origin.
const NoStart = -1

type FetchRequest struct {
	Root string
	Mode Mode
	Key  string
	// Sync waits for the message instead of returning what is attached so far.
	Sync bool
}

type FetchResult struct {
	NextRoot string
	Payload  json.RawMessage
}

type PublishRequest struct {
	Payload []byte
	Mode    Mode
	Key     string
	Seed    string
	Start   int
}

type PublishResult struct {
	Seed     string
	Start    int
	Root     string
	NextRoot string
}

// Transport reads and writes MAM messages. Fetch returns a nil result when
// nothing has been attached at the root yet.
type Transport interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
	NextRoot(ctx context.Context, root string) (string, error)
}
