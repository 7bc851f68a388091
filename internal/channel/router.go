package channel

import (
	"fmt"

	"github.com/fisaks/mamlink/internal/logging"
	"github.com/fisaks/mamlink/internal/mam"
)

type Router struct {
	provider TransformationProvider
}

func NewRouter(p TransformationProvider) *Router {
	if p == nil {
		p = DefaultServices()
	}
	return &Router{provider: p}
}

// Dispatch hands a fetched payload to the bindings in declaration order.
// Transformation bindings see the raw payload. Topic bindings claim the
// first matching record, which then is no longer available to later
// bindings. A failing transformation aborts the remaining bindings.
func (r *Router) Dispatch(raw []byte, bindings []*Binding) (int, error) {
	records, err := mam.DecodeBatch(raw)
	if err != nil {
		logging.Debug("Payload is not an item batch", "error", err)
	}
	return r.dispatch(string(raw), records, bindings)
}

// DispatchRecords routes already decoded records.
func (r *Router) DispatchRecords(records []mam.DataRecord, bindings []*Binding) (int, error) {
	raw, err := mam.EncodeBatch(records)
	if err != nil {
		return 0, err
	}
	return r.dispatch(string(raw), records, bindings)
}

func (r *Router) dispatch(raw string, records []mam.DataRecord, bindings []*Binding) (int, error) {
	pending := append([]mam.DataRecord(nil), records...)
	updated := 0

	for _, b := range bindings {
		if b.Transformation != nil {
			svc := r.provider.Service(b.Transformation.Service)
			if svc == nil {
				logging.Warn("Transformation service not found", "channel", b.ChannelID, "service", b.Transformation.Service)
				continue
			}
			out, err := svc.Transform(b.Transformation.Pattern, raw)
			if err != nil {
				return updated, fmt.Errorf("channel %s: transformation %s: %w", b.ChannelID, b.Transformation.Service, err)
			}
			if out == "" {
				continue
			}
			if r.process(b, out) {
				updated++
			}
			continue
		}

		for i, rec := range pending {
			if !b.Matches(rec.Topic) {
				continue
			}
			logging.Debug("Assigning record to channel", "channel", b.ChannelID, "item", rec.Name, "topic", rec.Topic)
			if r.process(b, rec.State) {
				updated++
			}
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	return updated, nil
}

func (r *Router) process(b *Binding, value string) bool {
	if _, err := b.ProcessMessage(value); err != nil {
		logging.Warn("Channel rejected value", "channel", b.ChannelID, "value", value, "error", err)
		return false
	}
	return true
}
