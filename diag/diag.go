// Package diag serializes runtime diagnostics for embedding hosts. The wire
// format is canonical CBOR: the same diagnostic always encodes to the same
// bytes, so hosts can deduplicate and fingerprint reports.
package diag

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vela-lang/vela/vm"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Diagnostic is one reportable runtime event, usually an error that escaped
// script handlers. Integer keys keep the canonical encoding compact.
type Diagnostic struct {
	Kind          string   `cbor:"1,keyasint"`
	Message       string   `cbor:"2,keyasint"`
	Class         string   `cbor:"3,keyasint,omitempty"`
	Linearization []string `cbor:"4,keyasint,omitempty"`
	TaskID        string   `cbor:"5,keyasint,omitempty"`
	UnixMilli     int64    `cbor:"6,keyasint,omitempty"`
}

// FromError converts a raised error into a diagnostic. Member and cast
// errors carry the receiver's class and full linearization.
func FromError(err *vm.RaisedError, taskID string, unixMilli int64) Diagnostic {
	return Diagnostic{
		Kind:          err.Kind.String(),
		Message:       err.Message,
		Class:         err.ClassName,
		Linearization: err.Linearization,
		TaskID:        taskID,
		UnixMilli:     unixMilli,
	}
}

// Marshal encodes the diagnostic canonically.
func (d Diagnostic) Marshal() ([]byte, error) {
	data, err := encMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding diagnostic: %w", err)
	}
	return data, nil
}

// Unmarshal decodes one diagnostic.
func Unmarshal(data []byte) (Diagnostic, error) {
	var d Diagnostic
	if err := decMode.Unmarshal(data, &d); err != nil {
		return Diagnostic{}, fmt.Errorf("decoding diagnostic: %w", err)
	}
	return d, nil
}
