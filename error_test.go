package consulkv

import (
	"testing"

	"github.com/pkg/errors"
)

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&RequestError{StatusCode: 404}) {
		t.Error("error should be a not found error")
	}

	if !IsNotFound(keyNotFound("A")) {
		t.Error("error should be a not found error")
	}

	if !IsNotFound(errors.Wrap(&RequestError{StatusCode: 404}, "reading key A")) {
		t.Error("wrapped error should be a not found error")
	}

	if IsNotFound(errors.New("some error")) {
		t.Error("error should not be a not found error")
	}

	if IsNotFound(&RequestError{StatusCode: 400}) {
		t.Error("error should not be a not found error")
	}

	if IsNotFound(nil) {
		t.Error("nil should not be a not found error")
	}
}
