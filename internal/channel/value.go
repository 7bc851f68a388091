package channel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Kind string

const (
	KindText    Kind = "Text"
	KindNumber  Kind = "Number"
	KindPercent Kind = "Percent"
	KindOnOff   Kind = "OnOff"
)

// State is the last value a channel holds, ready to publish.
type State struct {
	Kind  Kind    `json:"type"`
	Value string  `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Num   float64 `json:"-"`
}

func (s State) String() string {
	if s.Unit != "" {
		return s.Value + " " + s.Unit
	}
	return s.Value
}

// Value converts the text received on a stream into a typed channel state.
type Value interface {
	Kind() Kind
	Update(raw string) (State, error)
	Current() (State, bool)
}

type ValueConfig struct {
	Min     *float64
	Max     *float64
	Step    *float64
	IsFloat *bool
	Inverse bool
	On      string
	Off     string
}

func NewValue(kind string, cfg ValueConfig) (Value, error) {
	switch Kind(kind) {
	case KindText, "":
		return &TextValue{}, nil
	case KindNumber:
		return &NumberValue{isFloat: boolOr(cfg.IsFloat, true), step: floatOr(cfg.Step, 1)}, nil
	case KindPercent:
		p := &PercentValue{
			min:     floatOr(cfg.Min, 0),
			max:     floatOr(cfg.Max, 100),
			isFloat: boolOr(cfg.IsFloat, true),
		}
		if p.max <= p.min {
			return nil, fmt.Errorf("percent channel: max %v must be above min %v", p.max, p.min)
		}
		return p, nil
	case KindOnOff:
		on, off := cfg.On, cfg.Off
		if on == "" {
			on = "ON"
		}
		if off == "" {
			off = "OFF"
		}
		return &OnOffValue{on: on, off: off, inverse: cfg.Inverse}, nil
	default:
		return nil, fmt.Errorf("unknown channel type %q", kind)
	}
}

type TextValue struct {
	state *State
}

func (v *TextValue) Kind() Kind { return KindText }

func (v *TextValue) Update(raw string) (State, error) {
	s := State{Kind: KindText, Value: raw}
	v.state = &s
	return s, nil
}

func (v *TextValue) Current() (State, bool) { return current(v.state) }

type NumberValue struct {
	isFloat bool
	step    float64
	state   *State
}

func (v *NumberValue) Kind() Kind { return KindNumber }

// Update accepts a bare number or a number followed by a unit ("21.5 °C").
func (v *NumberValue) Update(raw string) (State, error) {
	num, unit, err := parseQuantity(raw)
	if err != nil {
		return State{}, err
	}
	if !v.isFloat && v.step > 0 {
		num = math.Round(num/v.step) * v.step
	}
	s := State{Kind: KindNumber, Value: formatNumber(num, v.isFloat), Unit: unit, Num: num}
	v.state = &s
	return s, nil
}

func (v *NumberValue) Current() (State, bool) { return current(v.state) }

// PercentValue scales a reading within [min, max] to 0..100.
type PercentValue struct {
	min, max float64
	isFloat  bool
	state    *State
}

func (v *PercentValue) Kind() Kind { return KindPercent }

func (v *PercentValue) Update(raw string) (State, error) {
	num, _, err := parseQuantity(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if err != nil {
		return State{}, err
	}
	pct := (num - v.min) * 100 / (v.max - v.min)
	pct = math.Max(0, math.Min(100, pct))
	if !v.isFloat {
		pct = math.Round(pct)
	}
	s := State{Kind: KindPercent, Value: formatNumber(pct, v.isFloat), Num: pct}
	v.state = &s
	return s, nil
}

func (v *PercentValue) Current() (State, bool) { return current(v.state) }

type OnOffValue struct {
	on, off string
	inverse bool
	state   *State
}

func (v *OnOffValue) Kind() Kind { return KindOnOff }

func (v *OnOffValue) Update(raw string) (State, error) {
	var isOn bool
	switch t := strings.TrimSpace(raw); {
	case strings.EqualFold(t, v.on):
		isOn = true
	case strings.EqualFold(t, v.off):
		isOn = false
	default:
		return State{}, fmt.Errorf("%q is neither %q nor %q", raw, v.on, v.off)
	}
	if v.inverse {
		isOn = !isOn
	}
	s := State{Kind: KindOnOff, Value: "OFF"}
	if isOn {
		s.Value = "ON"
		s.Num = 1
	}
	v.state = &s
	return s, nil
}

func (v *OnOffValue) Current() (State, bool) { return current(v.state) }

func current(s *State) (State, bool) {
	if s == nil {
		return State{}, false
	}
	return *s, true
}

func parseQuantity(raw string) (float64, string, error) {
	t := strings.TrimSpace(raw)
	num, unit := t, ""
	if i := strings.IndexAny(t, " \t"); i > 0 {
		num, unit = t[:i], strings.TrimSpace(t[i+1:])
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", fmt.Errorf("not a number: %q", raw)
	}
	return f, unit, nil
}

func formatNumber(f float64, isFloat bool) string {
	if !isFloat {
		return strconv.FormatInt(int64(math.Round(f)), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
