package mam

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DataRecord is one item state inside a published batch.
type DataRecord struct {
	Name  string
	Topic string
	State string
	Time  time.Time
}

type wireStatus struct {
	Topic string    `json:"Topic"`
	State textValue `json:"State"`
	Time  string    `json:"Time,omitempty"`
}

type wireRecord struct {
	Name   string      `json:"Name"`
	Status *wireStatus `json:"Status,omitempty"`
	// flat form
	Topic string    `json:"Topic,omitempty"`
	State textValue `json:"State,omitempty"`
}

func EncodeBatch(records []DataRecord) ([]byte, error) {
	out := make([]wireRecord, len(records))
	for i, r := range records {
		st := &wireStatus{Topic: r.Topic, State: textValue(r.State)}
		if !r.Time.IsZero() {
			st.Time = r.Time.UTC().Format(time.RFC3339)
		}
		out[i] = wireRecord{Name: r.Name, Status: st}
	}
	return json.Marshal(out)
}

// DecodeBatch reads a published batch. Field names match case-insensitively
// because the helper upper-cases the whole payload before attaching it.
func DecodeBatch(raw []byte) ([]DataRecord, error) {
	var wire []wireRecord
	if err := json.Unmarshal(raw, &wire); err != nil {
		var single wireRecord
		if err2 := json.Unmarshal(raw, &single); err2 != nil || single.Name == "" {
			return nil, fmt.Errorf("%w: batch: %v", ErrMalformedResponse, err)
		}
		wire = []wireRecord{single}
	}

	records := make([]DataRecord, 0, len(wire))
	for _, w := range wire {
		r := DataRecord{Name: w.Name, Topic: w.Topic, State: string(w.State)}
		if w.Status != nil {
			r.Topic = w.Status.Topic
			r.State = string(w.Status.State)
			if ts, err := time.Parse(time.RFC3339, strings.ToUpper(w.Status.Time)); err == nil {
				r.Time = ts
			}
		}
		records = append(records, r)
	}
	return records, nil
}

// textValue accepts a JSON string or any scalar and keeps its text.
type textValue string

func (v *textValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = textValue(s)
		return nil
	}
	if string(b) == "null" {
		*v = ""
		return nil
	}
	*v = textValue(strings.TrimSpace(string(b)))
	return nil
}
