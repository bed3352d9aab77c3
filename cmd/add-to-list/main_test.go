package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentworkforce/listmirror/internal/config"
	"github.com/agentworkforce/listmirror/internal/lists"
	"github.com/agentworkforce/listmirror/internal/listsync"
	"go.uber.org/zap"
)

type fakeAdder struct {
	outcome listsync.Outcome
	err     error
	calls   []string
}

func (f *fakeAdder) Add(_ context.Context, label, subject string) (listsync.Outcome, error) {
	f.calls = append(f.calls, label+"|"+subject)
	return f.outcome, f.err
}

func testOptions(adder *fakeAdder, connected *bool) *rootOptions {
	return &rootOptions{
		loadConfig: func() (config.Config, error) {
			cfg := config.Config{
				Handle:   "mirror.bsky.social",
				Password: "app-password",
				DID:      "did:plc:owner",
				PDS:      config.DefaultPDS,
				Lists:    "maga-trump=3kexample,anti-lgbtq=3kother",
				LogLevel: "error",
			}
			return cfg, cfg.Validate()
		},
		connect: func(context.Context, config.Config, *lists.Registry, *zap.Logger) (Adder, error) {
			*connected = true
			return adder, nil
		},
	}
}

func execute(t *testing.T, opts *rootOptions, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(opts)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestAddToListAddsSubject(t *testing.T) {
	adder := &fakeAdder{outcome: listsync.OutcomeAdded}
	var connected bool
	stdout, _, err := execute(t, testOptions(adder, &connected), "did:plc:abc", "maga-trump")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(adder.calls) != 1 || adder.calls[0] != "maga-trump|did:plc:abc" {
		t.Fatalf("expected one add call, got %v", adder.calls)
	}
	if !strings.Contains(stdout, "added did:plc:abc to maga-trump") {
		t.Fatalf("expected confirmation, got %q", stdout)
	}
}

func TestAddToListReportsExistingMember(t *testing.T) {
	adder := &fakeAdder{outcome: listsync.OutcomeAlreadyMember}
	var connected bool
	stdout, _, err := execute(t, testOptions(adder, &connected), "did:plc:abc", "maga-trump")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(stdout, "already on maga-trump") {
		t.Fatalf("expected already-member message, got %q", stdout)
	}
}

func TestAddToListUnknownLabelPrintsAvailableLabels(t *testing.T) {
	adder := &fakeAdder{}
	var connected bool
	_, stderr, err := execute(t, testOptions(adder, &connected), "did:plc:abc", "nope")
	if !errors.Is(err, errUnknownLabel) {
		t.Fatalf("expected unknown label error, got %v", err)
	}
	if connected {
		t.Fatalf("expected no login for unknown label")
	}
	for _, want := range []string{"usage: add-to-list <did> <label>", "anti-lgbtq", "maga-trump"} {
		if !strings.Contains(stderr, want) {
			t.Fatalf("expected %q in usage, got %q", want, stderr)
		}
	}
}

func TestAddToListRejectsNonDIDSubject(t *testing.T) {
	adder := &fakeAdder{}
	var connected bool
	_, _, err := execute(t, testOptions(adder, &connected), "alice.bsky.social", "maga-trump")
	if err == nil || !strings.Contains(err.Error(), "not a DID") {
		t.Fatalf("expected not a DID error, got %v", err)
	}
	if connected {
		t.Fatalf("expected no login for invalid subject")
	}
}

func TestAddToListPropagatesFailure(t *testing.T) {
	adder := &fakeAdder{outcome: listsync.OutcomeFailed, err: errors.New("upstream unavailable")}
	var connected bool
	_, _, err := execute(t, testOptions(adder, &connected), "did:plc:abc", "maga-trump")
	if err == nil || !strings.Contains(err.Error(), "upstream unavailable") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestAddToListWrongArgCountPrintsAvailableLabels(t *testing.T) {
	for _, args := range [][]string{{"did:plc:abc"}, {}, {"did:plc:abc", "maga-trump", "extra"}} {
		var connected bool
		_, stderr, err := execute(t, testOptions(&fakeAdder{}, &connected), args...)
		if !errors.Is(err, errUsage) {
			t.Fatalf("%v: expected usage error, got %v", args, err)
		}
		if connected {
			t.Fatalf("%v: expected no login on usage error", args)
		}
		for _, want := range []string{"usage: add-to-list <did> <label>", "available labels:", "anti-lgbtq", "maga-trump"} {
			if !strings.Contains(stderr, want) {
				t.Fatalf("%v: expected %q in usage, got %q", args, want, stderr)
			}
		}
	}
}

func TestRequireCredentialsIgnoresStreamURL(t *testing.T) {
	if err := requireCredentials(config.Config{}, &config.MissingError{Fields: []string{"WSS_URL"}}); err != nil {
		t.Fatalf("expected stream url to be optional, got %v", err)
	}
	err := requireCredentials(config.Config{}, &config.MissingError{Fields: []string{"BSKY_PASSWORD", "WSS_URL"}})
	var missing *config.MissingError
	if !errors.As(err, &missing) || len(missing.Fields) != 1 || missing.Fields[0] != "BSKY_PASSWORD" {
		t.Fatalf("expected only BSKY_PASSWORD missing, got %v", err)
	}
}
