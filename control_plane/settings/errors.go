package settings

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedValue   = errors.New("malformed setting value")
	ErrDecryptionFailed = errors.New("unable to decrypt setting value")
	ErrValidation       = errors.New("setting value failed validation")
)

// MalformedValueError reports a wire payload that does not decode as the
// expected value type.
type MalformedValueError struct {
	Setting  string
	Expected ValueType
	Err      error
}

func (e *MalformedValueError) Error() string {
	msg := fmt.Sprintf("malformed %s value", e.Expected)
	if e.Setting != "" {
		msg += fmt.Sprintf(" for setting %s", e.Setting)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedValueError) Unwrap() error { return e.Err }

func (e *MalformedValueError) Is(target error) bool { return target == ErrMalformedValue }

// DecryptionFailedError reports a secret that could not be decrypted.
type DecryptionFailedError struct {
	Setting string
	Err     error
}

func (e *DecryptionFailedError) Error() string {
	return fmt.Sprintf("unable to decrypt password for setting %s", e.Setting)
}

func (e *DecryptionFailedError) Unwrap() error { return e.Err }

func (e *DecryptionFailedError) Is(target error) bool { return target == ErrDecryptionFailed }

// withSetting fills in the setting name on codec errors raised below the
// definition level.
func withSetting(err error, name string) error {
	var malformed *MalformedValueError
	if errors.As(err, &malformed) && malformed.Setting == "" {
		malformed.Setting = name
		return err
	}
	var decrypt *DecryptionFailedError
	if errors.As(err, &decrypt) && decrypt.Setting == "" {
		decrypt.Setting = name
	}
	return err
}
