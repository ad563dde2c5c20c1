package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
		ok   bool
	}{
		{"critical", SeverityCritical, true},
		{" WARNING ", SeverityWarning, true},
		{"P0", SeverityCritical, true},
		{"debug", SeverityDebug, true},
		{"bogus", SeverityInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseSeverity(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseSeverity(%q) = %v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSeverityScore(t *testing.T) {
	if SeverityCritical.Score() != 5 || SeverityDebug.Score() != 1 || Severity("other").Score() != 2 {
		t.Fatal("unexpected severity scores")
	}
}

func TestAlertFallbacks(t *testing.T) {
	a := &Alert{Labels: map[string]string{"service": "api", "env": "prod", "region": "eu"}}
	if a.ServiceName() != "api" || a.EnvironmentName() != "prod" || a.RegionName() != "eu" {
		t.Fatalf("label fallbacks not applied: %+v", a)
	}
	if !a.IsProduction() {
		t.Fatal("prod env should be production")
	}
	a.Service = "db"
	if a.ServiceName() != "db" {
		t.Fatal("attribute should win over label")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("score: %w", ErrNotReady)) {
		t.Fatal("not ready should be retryable")
	}
	if !IsRetryable(Retryable("redis get", errors.New("conn refused"))) {
		t.Fatal("wrapped store failure should be retryable")
	}
	if IsRetryable(errors.New("boom")) || IsRetryable(nil) {
		t.Fatal("plain errors are not retryable")
	}
}
