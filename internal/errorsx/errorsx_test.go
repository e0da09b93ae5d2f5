package errorsx

import (
	"fmt"
	"net/http"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonCallTimeout)
	if Reason(err) != ReasonCallTimeout {
		t.Fatalf("expected reason %s, got %s", ReasonCallTimeout, Reason(err))
	}
	if !HasReason(err, ReasonCallTimeout) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonBackendUnavailable)
	second := Wrap(fmt.Errorf("submit: %w", first), ReasonBackendError)
	if Reason(second) != ReasonBackendUnavailable {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonOfPlainError(t *testing.T) {
	if Reason(assertErr{}) != ReasonUnknown {
		t.Fatalf("expected unknown reason")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[ReasonCode]int{
		ReasonBackendUnavailable:   http.StatusBadGateway,
		ReasonBackendError:         http.StatusBadGateway,
		ReasonToolNotFound:         http.StatusNotFound,
		ReasonInvalidParams:        http.StatusBadRequest,
		ReasonCallTimeout:          http.StatusGatewayTimeout,
		ReasonNoMatchingTool:       http.StatusOK,
		ReasonMalformedModelOutput: http.StatusOK,
		ReasonUnknown:              http.StatusInternalServerError,
	}
	for reason, want := range cases {
		if got := HTTPStatus(reason); got != want {
			t.Errorf("%s: expected %d, got %d", reason, want, got)
		}
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
