// Package convert builds the transfer shapes used to back up, restore and
// deliver a client's settings.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/settings"
)

// ExportVersion is written into every file-level envelope.
const ExportVersion = "1"

type VerificationExport struct {
	Name              string   `json:"name"`
	PropertyArguments []string `json:"property_arguments"`
}

// SettingExport is the full-fidelity form of a definition. Value and
// DefaultValue carry their own Encrypted flags; IsEncrypted mirrors the
// top-level flag of Value.
type SettingExport struct {
	Name                  string                       `json:"name"`
	Description           string                       `json:"description"`
	IsSecret              bool                         `json:"is_secret"`
	ValueType             settings.ValueType           `json:"value_type"`
	Value                 settings.WireValue           `json:"value"`
	DefaultValue          settings.WireValue           `json:"default_value"`
	IsEncrypted           bool                         `json:"is_encrypted"`
	ValidationRegex       string                       `json:"validation_regex,omitempty"`
	ValidationExplanation string                       `json:"validation_explanation,omitempty"`
	ValidValues           []string                     `json:"valid_values,omitempty"`
	Group                 string                       `json:"group,omitempty"`
	DisplayOrder          int                          `json:"display_order"`
	Advanced              bool                         `json:"advanced"`
	DataGrid              *settings.DataGridDefinition `json:"data_grid,omitempty"`
	EnablesSettings       []string                     `json:"enables_settings,omitempty"`
	SupportsLiveUpdate    bool                         `json:"supports_live_update"`
	LastChanged           time.Time                    `json:"last_changed,omitempty"`
	CategoryColor         string                       `json:"category_color,omitempty"`
	CategoryName          string                       `json:"category_name,omitempty"`
}

type ClientExport struct {
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	ClientSecret  string               `json:"client_secret"`
	Instance      string               `json:"instance,omitempty"`
	Settings      []SettingExport      `json:"settings"`
	Verifications []VerificationExport `json:"verifications"`
}

type SettingValueExport struct {
	Name     string             `json:"name"`
	Value    settings.WireValue `json:"value"`
	IsSecret bool               `json:"is_secret"`
}

// ClientValueExport carries current values only, without schema.
type ClientValueExport struct {
	Name     string               `json:"name"`
	Instance string               `json:"instance,omitempty"`
	Settings []SettingValueExport `json:"settings"`
}

// DataExport is the envelope of a full export file.
type DataExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Version    string          `json:"version"`
	Clients    []*ClientExport `json:"clients"`
}

// ValueOnlyDataExport is the envelope of a value-only export file.
type ValueOnlyDataExport struct {
	ExportedAt time.Time            `json:"exported_at"`
	Version    string               `json:"version"`
	Clients    []*ClientValueExport `json:"clients"`
}

// Converter turns clients into export shapes and back. Secret leaves are
// encrypted through the codec on the way out and decrypted on the way in.
type Converter struct {
	codec *settings.Codec
	now   func() time.Time
}

func NewConverter(codec *settings.Codec) *Converter {
	return &Converter{codec: codec, now: time.Now}
}

// Convert produces the full export of client.
func (c *Converter) Convert(client *settings.Client) (*ClientExport, error) {
	out := &ClientExport{
		Name:          client.Name,
		Description:   client.Description,
		ClientSecret:  client.ClientSecret,
		Instance:      client.Instance,
		Settings:      make([]SettingExport, 0, len(client.Settings)),
		Verifications: make([]VerificationExport, 0, len(client.Verifications)),
	}
	for _, def := range client.Settings {
		s, err := c.convertSetting(def)
		if err != nil {
			return nil, fmt.Errorf("export client %s: %w", client.DisplayName(), err)
		}
		out.Settings = append(out.Settings, s)
	}
	for _, v := range client.Verifications {
		out.Verifications = append(out.Verifications, VerificationExport{
			Name:              v.Name,
			PropertyArguments: append([]string(nil), v.PropertyArguments...),
		})
	}
	return out, nil
}

func (c *Converter) convertSetting(def *settings.Definition) (SettingExport, error) {
	value, err := c.codec.EncodeSetting(def, def.Value)
	if err != nil {
		return SettingExport{}, err
	}
	defaultValue, err := c.codec.EncodeSetting(def, def.DefaultValue)
	if err != nil {
		return SettingExport{}, err
	}
	s := exportDefinition(def.Clone())
	s.Value = value
	s.DefaultValue = defaultValue
	s.IsEncrypted = value.Encrypted
	return s, nil
}

// exportDefinition copies the schema fields of cp; values are left empty.
func exportDefinition(cp *settings.Definition) SettingExport {
	return SettingExport{
		Name:                  cp.Name,
		Description:           cp.Description,
		IsSecret:              cp.IsSecret,
		ValueType:             cp.ValueType,
		ValidationRegex:       cp.ValidationRegex,
		ValidationExplanation: cp.ValidationExplanation,
		ValidValues:           cp.ValidValues,
		Group:                 cp.Group,
		DisplayOrder:          cp.DisplayOrder,
		Advanced:              cp.Advanced,
		DataGrid:              cp.DataGrid,
		EnablesSettings:       cp.EnablesSettings,
		SupportsLiveUpdate:    cp.SupportsLiveUpdate,
		LastChanged:           cp.LastChanged,
		CategoryColor:         cp.CategoryColor,
		CategoryName:          cp.CategoryName,
	}
}

// Declare builds the registration body a client sends for its schema.
// Defaults travel in plain text: the client does not hold the server key.
func Declare(name, description string, defs []*settings.Definition) (*ClientExport, error) {
	out := &ClientExport{
		Name:          name,
		Description:   description,
		Settings:      make([]SettingExport, 0, len(defs)),
		Verifications: []VerificationExport{},
	}
	for _, def := range defs {
		defaultValue, err := settings.Encode(def.DefaultValue)
		if err != nil {
			return nil, fmt.Errorf("declare %s: %w", name, withName(err, def.Name))
		}
		s := exportDefinition(def.Clone())
		s.DefaultValue = defaultValue
		s.Value = settings.WireValue{Value: json.RawMessage("null")}
		out.Settings = append(out.Settings, s)
	}
	return out, nil
}

// ConvertValueOnly produces the value-only export of client. Unset values
// are exported as null.
func (c *Converter) ConvertValueOnly(client *settings.Client) (*ClientValueExport, error) {
	out := &ClientValueExport{
		Name:     client.Name,
		Instance: client.Instance,
		Settings: make([]SettingValueExport, 0, len(client.Settings)),
	}
	for _, def := range client.Settings {
		w, err := c.codec.EncodeSetting(def, def.Value)
		if err != nil {
			return nil, fmt.Errorf("export values of %s: %w", client.DisplayName(), err)
		}
		out.Settings = append(out.Settings, SettingValueExport{Name: def.Name, Value: w, IsSecret: def.IsSecret})
	}
	return out, nil
}

// ConvertForClient produces the values a registered client runs with:
// effective values with defaults filled in. Secret leaves are encrypted with
// clientCodec, whose key only the owning client can derive.
func ConvertForClient(client *settings.Client, clientCodec *settings.Codec) (*ClientValueExport, error) {
	out := &ClientValueExport{
		Name:     client.Name,
		Instance: client.Instance,
		Settings: make([]SettingValueExport, 0, len(client.Settings)),
	}
	for _, def := range client.Settings {
		w, err := clientCodec.EncodeSetting(def, def.Effective())
		if err != nil {
			return nil, fmt.Errorf("values of %s: %w", client.DisplayName(), withName(err, def.Name))
		}
		out.Settings = append(out.Settings, SettingValueExport{Name: def.Name, Value: w, IsSecret: def.IsSecret})
	}
	return out, nil
}

// ReadClientValues is the client side of ConvertForClient. Settings the
// client did not declare are skipped.
func ReadClientValues(export *ClientValueExport, defs []*settings.Definition, clientCodec *settings.Codec) (map[string]settings.Value, error) {
	byName := make(map[string]*settings.Definition, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}
	values := make(map[string]settings.Value, len(export.Settings))
	for _, s := range export.Settings {
		def, ok := byName[s.Name]
		if !ok {
			continue
		}
		v, err := clientCodec.DecodeSetting(def, s.Value)
		if err != nil {
			return nil, err
		}
		values[s.Name] = v
	}
	return values, nil
}

func withName(err error, setting string) error {
	var malformed *settings.MalformedValueError
	if errors.As(err, &malformed) && malformed.Setting == "" {
		malformed.Setting = setting
	}
	return err
}

// Import rebuilds a client from its full export. Any decode or decrypt
// failure aborts the whole client and the error names the setting.
func (c *Converter) Import(export *ClientExport) (*settings.Client, error) {
	client := &settings.Client{
		Name:             export.Name,
		Description:      export.Description,
		ClientSecret:     export.ClientSecret,
		Instance:         export.Instance,
		LastRegistration: c.now().UTC(),
		Settings:         make([]*settings.Definition, 0, len(export.Settings)),
		Verifications:    make([]settings.Verification, 0, len(export.Verifications)),
	}
	for _, s := range export.Settings {
		def, err := c.importSetting(s)
		if err != nil {
			return nil, fmt.Errorf("import client %s: %w", client.DisplayName(), err)
		}
		client.Settings = append(client.Settings, def)
	}
	for _, v := range export.Verifications {
		client.Verifications = append(client.Verifications, settings.Verification{
			Name:              v.Name,
			PropertyArguments: append([]string(nil), v.PropertyArguments...),
		})
	}
	return client, nil
}

func (c *Converter) importSetting(s SettingExport) (*settings.Definition, error) {
	if !s.ValueType.Valid() {
		return nil, &settings.MalformedValueError{Setting: s.Name, Expected: s.ValueType,
			Err: fmt.Errorf("unknown value type %q", s.ValueType)}
	}
	def := &settings.Definition{
		Name:                  s.Name,
		Description:           s.Description,
		ValueType:             s.ValueType,
		IsSecret:              s.IsSecret,
		ValidationRegex:       s.ValidationRegex,
		ValidationExplanation: s.ValidationExplanation,
		ValidValues:           s.ValidValues,
		Group:                 s.Group,
		DisplayOrder:          s.DisplayOrder,
		Advanced:              s.Advanced,
		DataGrid:              s.DataGrid,
		EnablesSettings:       s.EnablesSettings,
		SupportsLiveUpdate:    s.SupportsLiveUpdate,
		LastChanged:           s.LastChanged,
		CategoryColor:         s.CategoryColor,
		CategoryName:          s.CategoryName,
	}

	wire := s.Value
	wire.Encrypted = wire.Encrypted || s.IsEncrypted
	value, err := c.codec.DecodeSetting(def, wire)
	if err != nil {
		return nil, err
	}
	defaultValue, err := c.codec.DecodeSetting(def, s.DefaultValue)
	if err != nil {
		return nil, err
	}
	def.Value = value
	def.DefaultValue = defaultValue
	return def.Clone(), nil
}

// ImportValues decodes a value-only export keyed by setting name. Types come
// from each wire value's tag; callers check them against the definitions.
func (c *Converter) ImportValues(export *ClientValueExport) (map[string]settings.Value, error) {
	values := make(map[string]settings.Value, len(export.Settings))
	for _, s := range export.Settings {
		if s.Value.Type == "" && s.Value.IsNull() {
			values[s.Name] = nil
			continue
		}
		def := &settings.Definition{Name: s.Name, ValueType: s.Value.Type, IsSecret: s.IsSecret}
		v, err := c.codec.DecodeSetting(def, s.Value)
		if err != nil {
			return nil, fmt.Errorf("import values of %s: %w", export.Name, err)
		}
		values[s.Name] = v
	}
	return values, nil
}

// storedClient is the document a database backend keeps per client.
type storedClient struct {
	ID                     string        `json:"id"`
	LastRegistration       time.Time     `json:"last_registration"`
	LastSettingValueUpdate time.Time     `json:"last_setting_value_update"`
	Client                 *ClientExport `json:"client"`
}

// MarshalClient encodes client with secrets encrypted, for storage at rest.
func (c *Converter) MarshalClient(client *settings.Client) ([]byte, error) {
	export, err := c.Convert(client)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedClient{
		ID:                     client.ID,
		LastRegistration:       client.LastRegistration,
		LastSettingValueUpdate: client.LastSettingValueUpdate,
		Client:                 export,
	})
}

func (c *Converter) UnmarshalClient(data []byte) (*settings.Client, error) {
	var doc storedClient
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode stored client: %w", err)
	}
	if doc.Client == nil {
		return nil, fmt.Errorf("decode stored client: missing client body")
	}
	client, err := c.Import(doc.Client)
	if err != nil {
		return nil, err
	}
	client.ID = doc.ID
	client.LastRegistration = doc.LastRegistration
	client.LastSettingValueUpdate = doc.LastSettingValueUpdate
	return client, nil
}
