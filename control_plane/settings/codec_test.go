package settings

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/SettingsForge/control_plane/secrets"
)

func sampleValues() map[ValueType]Value {
	return map[ValueType]Value{
		TypeString:     StringValue("hello"),
		TypeInt:        IntValue(-42),
		TypeDouble:     DoubleValue(3.25),
		TypeBool:       BoolValue(true),
		TypeDateTime:   NewDateTime(time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)),
		TypeTimeSpan:   TimeSpanValue(90*time.Minute + 15*time.Second),
		TypeStringList: StringListValue{"a", "b", "a"},
		TypeKeyValueList: KeyValueListValue{
			{Key: "k", Value: "1"},
			{Key: "k", Value: "2"},
		},
		TypeObjectList: ObjectListValue{
			{"name": "first", "count": float64(2), "enabled": true},
			{"nested": map[string]any{"x": []any{"y", float64(1)}}, "nothing": nil},
		},
		TypeDataGrid: DataGridValue{
			{"Name": StringValue("svc"), "Port": IntValue(8080), "Started": nil},
			{"Name": StringValue("db"), "Port": IntValue(5432), "Started": NewDateTime(time.Unix(0, 0))},
		},
	}
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	enc, err := secrets.NewAESEncryptorFromBase64(key)
	require.NoError(t, err)
	return NewCodec(enc)
}

func TestEncodeDecodeRoundTripEveryType(t *testing.T) {
	samples := sampleValues()
	for _, vt := range AllValueTypes() {
		t.Run(string(vt), func(t *testing.T) {
			v, ok := samples[vt]
			require.True(t, ok, "missing sample for %s", vt)
			require.Equal(t, vt, v.Type())

			w, err := Encode(v)
			require.NoError(t, err)
			assert.Equal(t, vt, w.Type)

			// survive an actual trip through JSON
			data, err := json.Marshal(w)
			require.NoError(t, err)
			var back WireValue
			require.NoError(t, json.Unmarshal(data, &back))

			got, err := Decode(back, vt)
			require.NoError(t, err)
			assert.True(t, ValuesEqual(v, got), "got %#v", got)
		})
	}
}

func TestNullIsDistinctFromEmpty(t *testing.T) {
	w, err := Encode(nil)
	require.NoError(t, err)
	assert.True(t, w.IsNull())

	got, err := Decode(w, TypeStringList)
	require.NoError(t, err)
	assert.Nil(t, got)

	w, err = Encode(StringListValue{})
	require.NoError(t, err)
	assert.False(t, w.IsNull())
	got, err = Decode(w, TypeStringList)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.(StringListValue), 0)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		wire WireValue
		t    ValueType
	}{
		{"int from string", WireValue{Value: json.RawMessage(`"nope"`)}, TypeInt},
		{"bad date", WireValue{Value: json.RawMessage(`"yesterday"`)}, TypeDateTime},
		{"bad duration", WireValue{Value: json.RawMessage(`"5 minutes"`)}, TypeTimeSpan},
		{"tag mismatch", WireValue{Type: TypeBool, Value: json.RawMessage(`true`)}, TypeString},
		{"unknown type", WireValue{Value: json.RawMessage(`1`)}, ValueType("color")},
		{"encrypted payload", WireValue{Value: json.RawMessage(`"x"`), Encrypted: true}, TypeString},
		{"grid with list cell", WireValue{Value: json.RawMessage(`[{"c":{"type":"stringlist","value":[]}}]`)}, TypeDataGrid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.wire, tt.t)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedValue)
			var malformed *MalformedValueError
			require.True(t, errors.As(err, &malformed))
		})
	}
}

func TestEncodeRejectsNonFiniteDouble(t *testing.T) {
	zero := 0.0
	_, err := Encode(DoubleValue(1 / zero))
	assert.ErrorIs(t, err, ErrMalformedValue)
}

func TestSecretSettingRoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	samples := sampleValues()

	for _, vt := range AllValueTypes() {
		t.Run(string(vt), func(t *testing.T) {
			def := &Definition{Name: "Secret" + string(vt), ValueType: vt, IsSecret: true}
			w, err := codec.EncodeSetting(def, samples[vt])
			require.NoError(t, err)
			assert.True(t, w.Encrypted)

			got, err := codec.DecodeSetting(def, w)
			require.NoError(t, err)
			assert.True(t, ValuesEqual(samples[vt], got))
		})
	}
}

func TestSecretSettingWrongKey(t *testing.T) {
	writer, reader := newTestCodec(t), newTestCodec(t)
	def := &Definition{Name: "Password", ValueType: TypeString, IsSecret: true}

	w, err := writer.EncodeSetting(def, StringValue("hunter2"))
	require.NoError(t, err)

	got, err := reader.DecodeSetting(def, w)
	assert.Nil(t, got)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	var decryptErr *DecryptionFailedError
	require.True(t, errors.As(err, &decryptErr))
	assert.Equal(t, "Password", decryptErr.Setting)
}

func TestSecretSettingMissingEncryptor(t *testing.T) {
	def := &Definition{Name: "Password", ValueType: TypeString, IsSecret: true}
	w, err := newTestCodec(t).EncodeSetting(def, StringValue("hunter2"))
	require.NoError(t, err)

	_, err = NewCodec(nil).DecodeSetting(def, w)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestPlainSettingIsNotEncrypted(t *testing.T) {
	codec := newTestCodec(t)
	def := &Definition{Name: "Url", ValueType: TypeString}

	w, err := codec.EncodeSetting(def, StringValue("http://localhost"))
	require.NoError(t, err)
	assert.False(t, w.Encrypted)
	assert.JSONEq(t, `"http://localhost"`, string(w.Value))

	// a plaintext value shaped like ciphertext is still plaintext
	w.Value = json.RawMessage(`"enc:v1:AAAA"`)
	got, err := codec.DecodeSetting(def, w)
	require.NoError(t, err)
	assert.Equal(t, StringValue("enc:v1:AAAA"), got)
}

func TestDataGridSecretColumns(t *testing.T) {
	codec := newTestCodec(t)
	def := &Definition{
		Name:      "Accounts",
		ValueType: TypeDataGrid,
		DataGrid: &DataGridDefinition{Columns: []DataGridColumn{
			{Name: "User", ValueType: TypeString},
			{Name: "Password", ValueType: TypeString, IsSecret: true},
		}},
	}
	grid := DataGridValue{
		{"User": StringValue("alice"), "Password": StringValue("a-pass")},
		{"User": StringValue("bob"), "Password": nil},
	}

	w, err := codec.EncodeSetting(def, grid)
	require.NoError(t, err)
	assert.False(t, w.Encrypted, "only cells are encrypted")

	var rows []map[string]WireValue
	require.NoError(t, json.Unmarshal(w.Value, &rows))
	assert.False(t, rows[0]["User"].Encrypted)
	assert.True(t, rows[0]["Password"].Encrypted)
	assert.NotContains(t, string(rows[0]["Password"].Value), "a-pass")
	assert.False(t, rows[1]["Password"].Encrypted, "null cells stay null")

	got, err := codec.DecodeSetting(def, w)
	require.NoError(t, err)
	assert.True(t, ValuesEqual(grid, got))

	// plain Decode refuses encrypted cells
	_, err = Decode(w, TypeDataGrid)
	assert.ErrorIs(t, err, ErrMalformedValue)
}

func TestDataGridTopLevelSecretEncryptsOnce(t *testing.T) {
	codec := newTestCodec(t)
	def := &Definition{
		Name:      "Accounts",
		ValueType: TypeDataGrid,
		IsSecret:  true,
		DataGrid: &DataGridDefinition{Columns: []DataGridColumn{
			{Name: "Password", ValueType: TypeString, IsSecret: true},
		}},
	}
	grid := DataGridValue{{"Password": StringValue("p")}}

	w, err := codec.EncodeSetting(def, grid)
	require.NoError(t, err)
	require.True(t, w.Encrypted)

	var cipherText string
	require.NoError(t, json.Unmarshal(w.Value, &cipherText))
	plain, err := codec.DecryptScalar(def.Name, cipherText)
	require.NoError(t, err)
	var rows []map[string]WireValue
	require.NoError(t, json.Unmarshal([]byte(plain), &rows))
	assert.False(t, rows[0]["Password"].Encrypted, "cells inside an encrypted grid are not encrypted again")

	got, err := codec.DecodeSetting(def, w)
	require.NoError(t, err)
	assert.True(t, ValuesEqual(grid, got))
}

func TestEncodeSettingTypeMismatch(t *testing.T) {
	codec := newTestCodec(t)
	def := &Definition{Name: "Retries", ValueType: TypeInt}
	_, err := codec.EncodeSetting(def, StringValue("3"))
	var malformed *MalformedValueError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "Retries", malformed.Setting)
}
