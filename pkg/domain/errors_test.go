package domain_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"villagepop/pkg/domain"
)

func TestErrStorageUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := domain.ErrStorage{Op: "materialize", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("ErrStorage should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "materialize") || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestErrorMessagesCarryContext(t *testing.T) {
	cases := []struct {
		err  error
		want []string
	}{
		{domain.ErrInvalidArgument{Field: "counter", Value: 0}, []string{"counter", "0"}},
		{domain.ErrInvalidVillageCount{Count: 30, Min: 28, Max: 280}, []string{"30", "28", "280"}},
		{domain.ErrMissingSource{Path: "base.csv"}, []string{"base.csv"}},
		{domain.ErrGenerationNotFound{Owner: "ana", Location: "villages_ana_01.db"}, []string{"ana", "villages_ana_01.db"}},
	}
	for _, tc := range cases {
		msg := tc.err.Error()
		for _, want := range tc.want {
			if !strings.Contains(msg, want) {
				t.Fatalf("%T message %q missing %q", tc.err, msg, want)
			}
		}
	}
}

func TestErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("synthesize: %w", domain.ErrInvalidVillageCount{Count: 30, Min: 28, Max: 280})
	var invalid domain.ErrInvalidVillageCount
	if !errors.As(wrapped, &invalid) {
		t.Fatalf("ErrInvalidVillageCount lost through wrapping")
	}
	if invalid.Count != 30 {
		t.Fatalf("unexpected count %d", invalid.Count)
	}
}
