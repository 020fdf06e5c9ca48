package ingest

import "strings"

// Value is one decoded parameter value. Raw is authoritative for binary-safe
// consumers, Text may have lost bytes that are not valid text.
type Value struct {
	Text string
	Raw  []byte
}

// ParameterTable maps a lower-cased parameter name to its values in the order
// they were met in the stream. Adding an existing name appends.
type ParameterTable struct {
	names  []string
	values map[string][]Value
}

func NewParameterTable() *ParameterTable {
	t := new(ParameterTable)
	t.values = make(map[string][]Value)
	return t
}

func (t *ParameterTable) Add(name string, raw []byte) {
	key := strings.ToLower(name)
	vals, exists := t.values[key]
	if !exists {
		t.names = append(t.names, key)
	}
	t.values[key] = append(vals, Value{Text: string(raw), Raw: raw})
}

// Get returns the first value of name.
func (t *ParameterTable) Get(name string) (string, bool) {
	vals := t.values[strings.ToLower(name)]
	if len(vals) == 0 {
		return "", false
	}
	return vals[0].Text, true
}

func (t *ParameterTable) Values(name string) []string {
	vals := t.values[strings.ToLower(name)]
	if len(vals) == 0 {
		return nil
	}
	texts := make([]string, len(vals))
	for k := range vals {
		texts[k] = vals[k].Text
	}
	return texts
}

func (t *ParameterTable) RawValues(name string) [][]byte {
	vals := t.values[strings.ToLower(name)]
	if len(vals) == 0 {
		return nil
	}
	raws := make([][]byte, len(vals))
	for k := range vals {
		raws[k] = vals[k].Raw
	}
	return raws
}

// Names lists parameter names in first-seen order.
func (t *ParameterTable) Names() []string {
	names := make([]string, len(t.names))
	copy(names, t.names)
	return names
}

// Len returns the number of distinct names.
func (t *ParameterTable) Len() int { return len(t.names) }

// Merge appends every value of other, keeping other's order.
func (t *ParameterTable) Merge(other *ParameterTable) {
	if other == nil {
		return
	}
	for _, name := range other.names {
		for _, v := range other.values[name] {
			t.Add(name, v.Raw)
		}
	}
}
