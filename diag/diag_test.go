package diag

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/vela-lang/vela/vm"
)

func TestFromError(t *testing.T) {
	rerr := &vm.RaisedError{
		Kind:          vm.ErrMissingMember,
		Message:       "Cat has no member \"bark\"",
		ClassName:     "Cat",
		Linearization: []string{"Cat", "Pet", "Animal"},
	}
	d := FromError(rerr, "task-7", 1700000000000)

	if d.Kind != "MissingMember" {
		t.Errorf("Kind = %q, want MissingMember", d.Kind)
	}
	if d.Message != rerr.Message || d.Class != "Cat" {
		t.Errorf("d = %+v", d)
	}
	if !reflect.DeepEqual(d.Linearization, []string{"Cat", "Pet", "Animal"}) {
		t.Errorf("Linearization = %v", d.Linearization)
	}
	if d.TaskID != "task-7" || d.UnixMilli != 1700000000000 {
		t.Errorf("task fields = %q/%d", d.TaskID, d.UnixMilli)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	d := Diagnostic{
		Kind:          "Cast",
		Message:       "cannot cast Dog to Tree",
		Class:         "Dog",
		Linearization: []string{"Dog", "Animal"},
		TaskID:        "task-1",
		UnixMilli:     42,
	}
	data, err := d.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, d) {
		t.Errorf("round trip = %+v, want %+v", got, d)
	}
}

func TestMarshalIsCanonical(t *testing.T) {
	d := Diagnostic{Kind: "Raised", Message: "boom", TaskID: "task-2"}
	a, err := d.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same diagnostic differ")
	}
}

func TestMarshalOmitsEmptyFields(t *testing.T) {
	small, err := Diagnostic{Kind: "Raised", Message: "boom"}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	full, err := Diagnostic{
		Kind:          "Raised",
		Message:       "boom",
		Class:         "C",
		Linearization: []string{"C"},
		TaskID:        "t",
		UnixMilli:     1,
	}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(small) >= len(full) {
		t.Errorf("encoding without optional fields is %d bytes, full is %d", len(small), len(full))
	}

	got, err := Unmarshal(small)
	if err != nil {
		t.Fatal(err)
	}
	if got.Class != "" || got.Linearization != nil || got.UnixMilli != 0 {
		t.Errorf("decoded = %+v, want optional fields empty", got)
	}
}
