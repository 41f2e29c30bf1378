package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit wrapper", Retryablef("gateway hiccup"), true},
		{"wrapped wrapper", fmt.Errorf("dispatch: %w", Retryablef("hiccup")), true},
		{"timeout message", errors.New("request timed out"), true},
		{"503 message", errors.New("gateway returned 503: busy"), true},
		{"rate limit message", errors.New("429 Too Many Requests"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"validation error", errors.New("amount exceeds original charge"), false},
		{"not found", ErrNotFound, false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Fatalf("%s: Retryable=%v want %v", c.name, got, c.want)
		}
	}
}

func TestKindPriority(t *testing.T) {
	cases := []struct {
		kind string
		want string
	}{
		{KindProcessRefund, "high"},
		{KindRetryPayment, "high"},
		{KindSettlementBatch, "default"},
		{KindSendNotification, "default"},
		{KindSyncGateway, "low"},
	}
	for _, c := range cases {
		if got := KindPriority(c.kind); got != c.want {
			t.Fatalf("%s priority = %s, want %s", c.kind, got, c.want)
		}
	}
}

func TestJobTerminal(t *testing.T) {
	for _, status := range []string{JobCompleted, JobFailed} {
		if !(Job{Status: status}).Terminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	for _, status := range []string{JobPending, JobRunning, JobRetrying} {
		if (Job{Status: status}).Terminal() {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}
