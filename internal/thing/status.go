package thing

import (
	"context"
	"errors"
	"fmt"

	"github.com/fisaks/mamlink/internal/channel"
	"github.com/fisaks/mamlink/internal/mam"
)

// ErrConfiguration stops a thing's scheduler until it is reconfigured.
var ErrConfiguration = mam.ErrConfiguration

type StatusKind string

const (
	StatusUnknown StatusKind = "UNKNOWN"
	StatusOnline  StatusKind = "ONLINE"
	StatusOffline StatusKind = "OFFLINE"
)

type StatusDetail string

const (
	DetailNone               StatusDetail = ""
	DetailCommunicationError StatusDetail = "COMMUNICATION_ERROR"
	DetailConfigurationError StatusDetail = "CONFIGURATION_ERROR"
)

type Status struct {
	Kind    StatusKind   `json:"status"`
	Detail  StatusDetail `json:"detail,omitempty"`
	Message string       `json:"message,omitempty"`
}

func Online() Status { return Status{Kind: StatusOnline} }

func Offline(detail StatusDetail, msg string) Status {
	return Status{Kind: StatusOffline, Detail: detail, Message: msg}
}

// StatusError carries the status a failed tick should leave the thing in.
type StatusError struct {
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Status.Message
	}
	return fmt.Sprintf("%s: %v", e.Status.Message, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func statusFor(err error) Status {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	if errors.Is(err, ErrConfiguration) {
		return Offline(DetailConfigurationError, err.Error())
	}
	return Offline(DetailCommunicationError, err.Error())
}

// Callback receives everything a thing reports. The MQTT broker implements it.
type Callback interface {
	StatusUpdated(thingID string, s Status)
	StateUpdated(thingID, channelID string, s channel.State)
}

type Command string

const CommandRefresh Command = "REFRESH"

// Handler is the per-kind behaviour driven by a Scheduler.
type Handler interface {
	ID() string
	OnTick(ctx context.Context) error
	OnCommand(ctx context.Context, channelID string, cmd Command) error
	OnDispose()
}
