package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaBuild(t *testing.T) {
	s := NewSchema()
	s.String("ConnectionString", "database connection", "").Secret().Group("Database")
	s.Int("Retries", "retry count", 3).Advanced()
	s.TimeSpan("Timeout", "request timeout", 30*time.Second).LiveUpdate()
	s.DataGrid("Endpoints", "upstreams",
		DataGridColumn{Name: "Host", ValueType: TypeString},
		DataGridColumn{Name: "Token", ValueType: TypeString, IsSecret: true},
	)

	defs, err := s.Build()
	require.NoError(t, err)
	require.Len(t, defs, 4)

	assert.Equal(t, "ConnectionString", defs[0].Name)
	assert.True(t, defs[0].IsSecret)
	assert.Equal(t, "Database", defs[0].Group)
	assert.Equal(t, 1, defs[0].DisplayOrder)
	assert.Equal(t, IntValue(3), defs[1].DefaultValue)
	assert.True(t, defs[1].Advanced)
	assert.True(t, defs[2].SupportsLiveUpdate)
	assert.Equal(t, 4, defs[3].DisplayOrder)
	assert.True(t, defs[3].DataGrid.Columns[1].IsSecret)
}

func TestSchemaBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Schema)
	}{
		{"duplicate", func(s *Schema) {
			s.Int("A", "", 1)
			s.Int("A", "", 2)
		}},
		{"empty name", func(s *Schema) { s.Bool("", "", true) }},
		{"bad regex", func(s *Schema) { s.String("A", "", "").Validation("([", "") }},
		{"default fails validation", func(s *Schema) { s.String("A", "", "abc").Validation(`^\d+$`, "digits only") }},
		{"grid without columns", func(s *Schema) { s.DataGrid("G", "") }},
		{"grid with list column", func(s *Schema) {
			s.DataGrid("G", "", DataGridColumn{Name: "L", ValueType: TypeStringList})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSchema()
			tt.build(s)
			_, err := s.Build()
			assert.Error(t, err)
		})
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := &Definition{Name: "Port", ValueType: TypeString, ValidationRegex: `^\d+$`, ValidationExplanation: "must be numeric"}

	assert.NoError(t, def.Validate(StringValue("8080")))
	assert.NoError(t, def.Validate(nil))

	err := def.Validate(StringValue("http"))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "must be numeric")

	assert.ErrorIs(t, def.Validate(IntValue(1)), ErrMalformedValue)
}

func TestClientCloneIsDeep(t *testing.T) {
	c := &Client{
		Name: "svc",
		Settings: []*Definition{
			{Name: "Hosts", ValueType: TypeStringList, Value: StringListValue{"a"}},
		},
		Verifications: []Verification{{Name: "ping", PropertyArguments: []string{"Hosts"}}},
	}
	cp := c.Clone()
	cp.Settings[0].Value.(StringListValue)[0] = "changed"
	cp.Verifications[0].PropertyArguments[0] = "changed"

	assert.Equal(t, StringListValue{"a"}, c.Settings[0].Value)
	assert.Equal(t, "Hosts", c.Verifications[0].PropertyArguments[0])

	o := c.CreateOverride("prod")
	assert.Equal(t, "prod", o.Instance)
	assert.Equal(t, "", c.Instance)
	assert.Equal(t, "svc-prod", o.DisplayName())
}

func TestEnvOverrideReader(t *testing.T) {
	defs := []*Definition{
		{Name: "Retries", ValueType: TypeInt},
		{Name: "Hosts", ValueType: TypeStringList},
		{Name: "Pairs", ValueType: TypeKeyValueList},
		{Name: "Untouched", ValueType: TypeString},
	}
	reader := &EnvOverrideReader{Environ: func() []string {
		return []string{
			"svc:Retries=7",
			"svc:Hosts=a, b",
			`svc:Pairs=[{"key":"k","value":"v"}]`,
			"other:Untouched=x",
			"PATH=/usr/bin",
		}
	}}

	overrides, err := reader.ReadOverrides("svc", defs)
	require.NoError(t, err)

	got := make(map[string]Value)
	for _, o := range overrides {
		got[o.Name] = o.Value
	}
	assert.Len(t, got, 3)
	assert.Equal(t, IntValue(7), got["Retries"])
	assert.Equal(t, StringListValue{"a", "b"}, got["Hosts"])
	assert.Equal(t, KeyValueListValue{{Key: "k", Value: "v"}}, got["Pairs"])
}

func TestEnvOverrideReaderBadValue(t *testing.T) {
	reader := &EnvOverrideReader{Environ: func() []string { return []string{"svc:Retries=many"} }}
	_, err := reader.ReadOverrides("svc", []*Definition{{Name: "Retries", ValueType: TypeInt}})

	var malformed *MalformedValueError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "Retries", malformed.Setting)
}
