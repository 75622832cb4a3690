package settings

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Encryptor is the reversible scheme used for secret leaves.
type Encryptor interface {
	Encrypt(plainText string) (string, error)
	Decrypt(cipherText string) (string, error)
}

// Codec applies secret handling on top of Encode and Decode. It knows which
// leaves of a setting are secret and encrypts each of them exactly once.
type Codec struct {
	enc Encryptor
}

func NewCodec(enc Encryptor) *Codec {
	return &Codec{enc: enc}
}

// EncryptScalar encrypts a single primitive value.
func (c *Codec) EncryptScalar(plainText string) (string, error) {
	if c.enc == nil {
		return "", errors.New("no encryptor configured")
	}
	return c.enc.Encrypt(plainText)
}

// DecryptScalar decrypts a single primitive value belonging to setting.
func (c *Codec) DecryptScalar(setting, cipherText string) (string, error) {
	if c.enc == nil {
		return "", &DecryptionFailedError{Setting: setting, Err: errors.New("no encryptor configured")}
	}
	plain, err := c.enc.Decrypt(cipherText)
	if err != nil {
		return "", &DecryptionFailedError{Setting: setting, Err: err}
	}
	return plain, nil
}

// EncodeSetting encodes v for def. A secret setting has its whole payload
// encrypted. Otherwise cells of secret data grid columns are encrypted one by
// one.
func (c *Codec) EncodeSetting(def *Definition, v Value) (WireValue, error) {
	if v == nil {
		return WireValue{Type: def.ValueType, Value: nullPayload}, nil
	}
	if v.Type() != def.ValueType {
		return WireValue{}, &MalformedValueError{Setting: def.Name, Expected: def.ValueType,
			Err: fmt.Errorf("value is %s", v.Type())}
	}

	var transform cellTransform
	if !def.IsSecret && def.ValueType == TypeDataGrid {
		secretColumns := def.DataGrid.secretColumns()
		if len(secretColumns) > 0 {
			transform = func(column string, cell WireValue) (WireValue, error) {
				if !secretColumns[column] || cell.IsNull() {
					return cell, nil
				}
				return c.encryptWire(cell)
			}
		}
	}

	payload, err := encodePayload(v, transform)
	if err != nil {
		return WireValue{}, withSetting(err, def.Name)
	}
	wire := WireValue{Type: def.ValueType, Value: payload}
	if def.IsSecret {
		if wire, err = c.encryptWire(wire); err != nil {
			return WireValue{}, fmt.Errorf("encrypt setting %s: %w", def.Name, err)
		}
	}
	return wire, nil
}

// DecodeSetting reverses EncodeSetting. Only payloads flagged Encrypted are
// decrypted.
func (c *Codec) DecodeSetting(def *Definition, w WireValue) (Value, error) {
	if w.Encrypted {
		plain, err := c.decryptWire(def.Name, w)
		if err != nil {
			return nil, err
		}
		w = plain
	}

	v, err := decode(w, def.ValueType, func(column string, cell WireValue) (Value, error) {
		if cell.Encrypted {
			plain, err := c.decryptWire(def.Name, cell)
			if err != nil {
				return nil, err
			}
			cell = plain
		}
		return decodeCell(column, cell)
	})
	if err != nil {
		return nil, withSetting(err, def.Name)
	}
	return v, nil
}

func (c *Codec) encryptWire(w WireValue) (WireValue, error) {
	cipherText, err := c.EncryptScalar(string(w.Value))
	if err != nil {
		return WireValue{}, err
	}
	payload, err := json.Marshal(cipherText)
	if err != nil {
		return WireValue{}, err
	}
	return WireValue{Type: w.Type, Value: payload, Encrypted: true}, nil
}

func (c *Codec) decryptWire(setting string, w WireValue) (WireValue, error) {
	var cipherText string
	if err := json.Unmarshal(w.Value, &cipherText); err != nil {
		return WireValue{}, &DecryptionFailedError{Setting: setting, Err: err}
	}
	plain, err := c.DecryptScalar(setting, cipherText)
	if err != nil {
		return WireValue{}, err
	}
	return WireValue{Type: w.Type, Value: json.RawMessage(plain)}, nil
}
