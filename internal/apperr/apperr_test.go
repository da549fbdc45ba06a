package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/parisxmas/oxiwarehouse/internal/apperr"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.Unauthenticated("who"), http.StatusUnauthorized},
		{apperr.Forbidden("no"), http.StatusForbidden},
		{apperr.NotFound("gone"), http.StatusNotFound},
		{apperr.State("illegal"), http.StatusConflict},
		{apperr.Storage("blob", errors.New("timeout")), http.StatusBadGateway},
		{apperr.Archive("zip", errors.New("fetch")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := apperr.HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("store input: %w", apperr.Storage("failed to store file", cause))

	if !apperr.Is(err, apperr.KindStorage) {
		t.Fatalf("expected storage kind, got %s", apperr.KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through the chain")
	}
	if msg := apperr.Message(err); msg != "failed to store file" {
		t.Fatalf("unexpected client message %q", msg)
	}
}

func TestMessageHidesUnclassifiedErrors(t *testing.T) {
	if msg := apperr.Message(errors.New("pq: password authentication failed")); msg != "internal server error" {
		t.Fatalf("leaked internal detail: %q", msg)
	}
}
