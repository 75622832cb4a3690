package settings

import (
	"fmt"
	"regexp"
	"time"
)

// DataGridColumn describes one column of a data grid setting.
type DataGridColumn struct {
	Name        string    `json:"name"`
	ValueType   ValueType `json:"value_type"`
	IsSecret    bool      `json:"is_secret,omitempty"`
	ValidValues []string  `json:"valid_values,omitempty"`
	IsReadOnly  bool      `json:"is_read_only,omitempty"`
}

// DataGridDefinition is the ordered column layout of a data grid setting.
type DataGridDefinition struct {
	Columns []DataGridColumn `json:"columns"`
}

func (g *DataGridDefinition) secretColumns() map[string]bool {
	if g == nil {
		return nil
	}
	var secret map[string]bool
	for _, col := range g.Columns {
		if col.IsSecret {
			if secret == nil {
				secret = make(map[string]bool)
			}
			secret[col.Name] = true
		}
	}
	return secret
}

// Definition is one setting registered by a client.
type Definition struct {
	Name                  string
	Description           string
	ValueType             ValueType
	DefaultValue          Value
	Value                 Value
	IsSecret              bool
	ValidationRegex       string
	ValidationExplanation string
	ValidValues           []string
	Group                 string
	DisplayOrder          int
	Advanced              bool
	SupportsLiveUpdate    bool
	CategoryName          string
	CategoryColor         string
	EnablesSettings       []string
	DataGrid              *DataGridDefinition
	LastChanged           time.Time
}

// Effective returns the stored value, or the default when unset.
func (d *Definition) Effective() Value {
	if d.Value != nil {
		return d.Value
	}
	return d.DefaultValue
}

// Validate checks that v fits the definition.
func (d *Definition) Validate(v Value) error {
	if v == nil {
		return nil
	}
	if v.Type() != d.ValueType {
		return &MalformedValueError{Setting: d.Name, Expected: d.ValueType, Err: fmt.Errorf("value is %s", v.Type())}
	}
	if s, ok := v.(StringValue); ok && d.ValidationRegex != "" {
		re, err := regexp.Compile(d.ValidationRegex)
		if err != nil {
			return fmt.Errorf("setting %s has invalid validation regex: %w", d.Name, err)
		}
		if !re.MatchString(string(s)) {
			explanation := d.ValidationExplanation
			if explanation == "" {
				explanation = "value does not match " + d.ValidationRegex
			}
			return fmt.Errorf("%w: setting %s: %s", ErrValidation, d.Name, explanation)
		}
	}
	if grid, ok := v.(DataGridValue); ok && d.DataGrid != nil {
		columns := make(map[string]DataGridColumn, len(d.DataGrid.Columns))
		for _, col := range d.DataGrid.Columns {
			columns[col.Name] = col
		}
		for i, row := range grid {
			for name, cell := range row {
				col, ok := columns[name]
				if !ok {
					return fmt.Errorf("%w: setting %s row %d has unknown column %s", ErrValidation, d.Name, i, name)
				}
				if cell != nil && cell.Type() != col.ValueType {
					return fmt.Errorf("%w: setting %s column %s expects %s", ErrValidation, d.Name, name, col.ValueType)
				}
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.DefaultValue = CloneValue(d.DefaultValue)
	c.Value = CloneValue(d.Value)
	c.ValidValues = append([]string(nil), d.ValidValues...)
	c.EnablesSettings = append([]string(nil), d.EnablesSettings...)
	if d.DataGrid != nil {
		grid := DataGridDefinition{Columns: make([]DataGridColumn, len(d.DataGrid.Columns))}
		for i, col := range d.DataGrid.Columns {
			col.ValidValues = append([]string(nil), col.ValidValues...)
			grid.Columns[i] = col
		}
		c.DataGrid = &grid
	}
	return &c
}

// Verification is a named check a client asks the server to run against its
// settings.
type Verification struct {
	Name              string   `json:"name"`
	PropertyArguments []string `json:"property_arguments"`
}

// Client is a registered settings client. An empty Instance is the default
// registration shared by all instances without their own override.
type Client struct {
	ID                     string
	Name                   string
	Description            string
	Instance               string
	ClientSecret           string // bcrypt hash
	Settings               []*Definition
	Verifications          []Verification
	LastRegistration       time.Time
	LastSettingValueUpdate time.Time
}

// Setting returns the named definition or nil.
func (c *Client) Setting(name string) *Definition {
	for _, s := range c.Settings {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Settings = make([]*Definition, len(c.Settings))
	for i, s := range c.Settings {
		cp.Settings[i] = s.Clone()
	}
	cp.Verifications = make([]Verification, len(c.Verifications))
	for i, v := range c.Verifications {
		v.PropertyArguments = append([]string(nil), v.PropertyArguments...)
		cp.Verifications[i] = v
	}
	return &cp
}

// CreateOverride clones c as the registration for instance.
func (c *Client) CreateOverride(instance string) *Client {
	o := c.Clone()
	o.ID = ""
	o.Instance = instance
	return o
}

// DisplayName is name plus instance, when present.
func (c *Client) DisplayName() string {
	if c.Instance == "" {
		return c.Name
	}
	return c.Name + "-" + c.Instance
}
