package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/mamlink/internal/mam"
)

type stateLog map[string]State

func (l stateLog) listen(id string, s State) { l[id] = s }

func mustValue(t *testing.T, kind string, cfg ValueConfig) Value {
	t.Helper()
	v, err := NewValue(kind, cfg)
	require.NoError(t, err)
	return v
}

func TestDispatch_AnyMatchesRecordWithoutTopic(t *testing.T) {
	log := stateLog{}
	temp := NewBinding("temp", "TEMPERATURE", nil, mustValue(t, "Number", ValueConfig{}), log.listen)
	wildcard := NewBinding("any", "ANY", nil, mustValue(t, "Text", ValueConfig{}), log.listen)

	payload := []byte(`[{"Name":"item1","State":"10 °C"}]`)
	n, err := NewRouter(nil).Dispatch(payload, []*Binding{temp, wildcard})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := temp.Current()
	assert.False(t, ok)
	assert.Equal(t, "10 °C", log["any"].Value)
}

func TestDispatch_TopicMatchLeavesOthersUntouched(t *testing.T) {
	log := stateLog{}
	temp := NewBinding("temp", "TEMPERATURE", nil, mustValue(t, "Number", ValueConfig{}), log.listen)
	pressure := NewBinding("pressure", "PRESSURE", nil, mustValue(t, "Number", ValueConfig{}), log.listen)
	_, err := temp.ProcessMessage("1.0 °C")
	require.NoError(t, err)
	_, err = pressure.ProcessMessage("1.0 °C")
	require.NoError(t, err)

	records := []mam.DataRecord{{Name: "t", Topic: "temperature", State: "2.0 °C"}}
	_, err = NewRouter(nil).DispatchRecords(records, []*Binding{temp, pressure})
	require.NoError(t, err)

	s, _ := temp.Current()
	assert.Equal(t, "2 °C", s.String())
	assert.Equal(t, 2.0, s.Num)
	s, _ = pressure.Current()
	assert.Equal(t, 1.0, s.Num)
}

func TestDispatch_FirstMatchIsClaimedOnce(t *testing.T) {
	log := stateLog{}
	first := NewBinding("a", "ANY", nil, mustValue(t, "Text", ValueConfig{}), log.listen)
	second := NewBinding("b", "ANY", nil, mustValue(t, "Text", ValueConfig{}), log.listen)
	third := NewBinding("c", "ANY", nil, mustValue(t, "Text", ValueConfig{}), log.listen)
	empty := NewBinding("d", "", nil, mustValue(t, "Text", ValueConfig{}), log.listen)

	records := []mam.DataRecord{{Topic: "X", State: "one"}, {Topic: "Y", State: "two"}}
	n, err := NewRouter(nil).DispatchRecords(records, []*Binding{empty, first, second, third})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "one", log["a"].Value)
	assert.Equal(t, "two", log["b"].Value)
	assert.NotContains(t, log, "c")
	assert.NotContains(t, log, "d")
	assert.Len(t, records, 2)
}

func TestDispatch_TransformationSeesWholePayload(t *testing.T) {
	log := stateLog{}
	tr, err := ParseTransformation("JSONPATH:$.device.status.value")
	require.NoError(t, err)
	b := NewBinding("ext", "", tr, mustValue(t, "Number", ValueConfig{}), log.listen)

	_, err = NewRouter(nil).Dispatch([]byte(`{"device":{"status":{"value":"73"}}}`), []*Binding{b})
	require.NoError(t, err)
	assert.Equal(t, "73", log["ext"].Value)
}

func TestDispatch_MissingServiceSkipsChannel(t *testing.T) {
	log := stateLog{}
	b1 := NewBinding("x", "", &Transformation{Service: "XSLT", Pattern: "p"}, mustValue(t, "Text", ValueConfig{}), log.listen)
	b2 := NewBinding("y", "ANY", nil, mustValue(t, "Text", ValueConfig{}), log.listen)

	_, err := NewRouter(nil).DispatchRecords([]mam.DataRecord{{Topic: "T", State: "v"}}, []*Binding{b1, b2})
	require.NoError(t, err)
	assert.Equal(t, "v", log["y"].Value)
}

func TestDispatch_TransformationErrorAborts(t *testing.T) {
	log := stateLog{}
	b1 := NewBinding("x", "", &Transformation{Service: ServiceRegex, Pattern: "("}, mustValue(t, "Text", ValueConfig{}), log.listen)
	b2 := NewBinding("y", "ANY", nil, mustValue(t, "Text", ValueConfig{}), log.listen)

	_, err := NewRouter(nil).DispatchRecords([]mam.DataRecord{{Topic: "T", State: "v"}}, []*Binding{b1, b2})
	assert.Error(t, err)
	assert.Empty(t, log)
}

func TestParseTransformation(t *testing.T) {
	tr, err := ParseTransformation("regex:.*=(\\d+)")
	require.NoError(t, err)
	assert.Equal(t, ServiceRegex, tr.Service)

	tr, err = ParseTransformation("")
	require.NoError(t, err)
	assert.Nil(t, tr)

	_, err = ParseTransformation("JSONPATH")
	assert.ErrorIs(t, err, mam.ErrConfiguration)
}

func TestRegexService(t *testing.T) {
	svc := NewRegexService()
	out, err := svc.Transform(`temp=(\d+)`, "id=3 temp=21")
	require.NoError(t, err)
	assert.Equal(t, "21", out)

	out, err = svc.Transform(`nothing`, "id=3")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestJSONPath_ArrayIndex(t *testing.T) {
	out, err := JSONPathService{}.Transform("$[1].STATUS.STATE", `[{"STATUS":{"STATE":"A"}},{"STATUS":{"STATE":"B"}}]`)
	require.NoError(t, err)
	assert.Equal(t, "B", out)
}

func TestValues(t *testing.T) {
	pct := mustValue(t, "Percent", ValueConfig{Min: ptr(0.0), Max: ptr(50.0)})
	s, err := pct.Update("25")
	require.NoError(t, err)
	assert.Equal(t, "50", s.Value)
	s, err = pct.Update("80")
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.Num)

	sw := mustValue(t, "OnOff", ValueConfig{On: "open", Off: "closed", Inverse: true})
	s, err = sw.Update("OPEN")
	require.NoError(t, err)
	assert.Equal(t, "OFF", s.Value)
	_, err = sw.Update("ajar")
	assert.Error(t, err)

	num := mustValue(t, "Number", ValueConfig{IsFloat: ptr(false)})
	s, err = num.Update("21.6 °C")
	require.NoError(t, err)
	assert.Equal(t, "22", s.Value)
	assert.Equal(t, "°C", s.Unit)

	_, err = NewValue("Color", ValueConfig{})
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
