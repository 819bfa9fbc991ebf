package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("exchange/place-order", CodeRejected,
		WithHTTP(400),
		WithSymbol("btcusdt"),
		WithRawCode("-2019"),
		WithRawMessage("Margin is insufficient."),
		WithMessage("order rejected"),
		WithCause(cause),
	)

	got := err.Error()
	for _, want := range []string{
		"op=exchange/place-order",
		"code=exchange_rejected",
		"symbol=BTCUSDT",
		"http=400",
		`raw_code="-2019"`,
		`cause="connection reset"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New("stream/dial", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is failed to find cause through envelope")
	}
}

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := New("admission/admit", CodeRateLimited)
	wrapped := fmt.Errorf("submit entry: %w", inner)

	if got := CodeOf(wrapped); got != CodeRateLimited {
		t.Errorf("CodeOf() = %q, want %q", got, CodeRateLimited)
	}
	if !IsRateLimited(wrapped) {
		t.Error("IsRateLimited() = false, want true")
	}
	if IsTransient(wrapped) {
		t.Error("IsTransient() = true for rate-limited error")
	}
}

func TestClassifiers(t *testing.T) {
	cases := []struct {
		code      Code
		transient bool
		rejection bool
	}{
		{CodeNetwork, true, false},
		{CodeRejected, false, true},
		{CodeConflict, false, false},
		{CodeConfig, false, false},
	}
	for _, tc := range cases {
		err := New("test", tc.code)
		if got := IsTransient(err); got != tc.transient {
			t.Errorf("IsTransient(%s) = %v, want %v", tc.code, got, tc.transient)
		}
		if got := IsRejection(err); got != tc.rejection {
			t.Errorf("IsRejection(%s) = %v, want %v", tc.code, got, tc.rejection)
		}
	}
}

func TestNilReceiver(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Errorf("nil Error() = %q", got)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain error) should be empty")
	}
}
