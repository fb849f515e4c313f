package main

import (
	"strings"
	"testing"
	"time"

	"github.com/zulandar/podyard/internal/models"
)

func TestPodsStatus(t *testing.T) {
	repo, url := startStore(t)
	cfg := writeConfig(t, url, "")
	repo.SaveMessage(models.Submission{Sender: "PodB", Receiver: models.Operator, Text: "ping"})
	fixClock(t, testNow.Add(3*time.Minute))

	out, err := runCmd(t, "pods", "status", "--config", cfg)
	if err != nil {
		t.Fatalf("pods status: %v\n%s", err, out)
	}
	if strings.Contains(out, "sample") {
		t.Errorf("unexpected sample fallback:\n%s", out)
	}
	if !strings.Contains(out, "PodB") || !strings.Contains(out, "ACTIVE") || !strings.Contains(out, "3 minutes ago") {
		t.Errorf("pods status:\n%s", out)
	}
}

func TestPodsCheck_FallsBackToSample(t *testing.T) {
	cfg := writeConfig(t, brokenStore(t), "")
	fixClock(t, testNow)

	out, err := runCmd(t, "pods", "check", "--config", cfg)
	if err != nil {
		t.Fatalf("pods check: %v", err)
	}
	for _, want := range []string{"showing sample pods", "PodA", "85.4%", "12 minutes ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
