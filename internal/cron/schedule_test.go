package cron

import (
	"testing"
	"time"
)

func TestEverySchedule(t *testing.T) {
	s, err := Every(time.Minute)
	if err != nil {
		t.Fatalf("every: %v", err)
	}
	now := time.Now()
	next, ok, err := s.Next(now)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if next.Sub(now) != time.Minute {
		t.Fatalf("next = %v, want now+1m", next)
	}
}

func TestParseInvalidCron(t *testing.T) {
	if _, err := Parse("not a cron expr @@@"); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
}

func TestParseValidCron(t *testing.T) {
	s, err := Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok, err := s.Next(time.Now()); err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
}

func TestEveryRejectsNonPositive(t *testing.T) {
	if _, err := Every(0); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}
