package github

import (
	"fmt"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		event string
		want  Kind
	}{
		{event: "issues", want: KindIssues},
		{event: "ping", want: KindPing},
		{event: "pull_request", want: KindPullRequest},
		{event: "push", want: KindPush},
		{event: "deployment", want: KindUnknown},
		{event: "Push", want: KindUnknown},
		{event: "", want: KindUnknown},
	}
	for _, tt := range tests {
		if got := ParseKind(tt.event); got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.event, got, tt.want)
		}
	}
}

func TestRenderIssues(t *testing.T) {
	t.Parallel()
	r := NewRenderer(3, false)

	for _, action := range []string{"opened", "deleted", "closed", "reopened"} {
		action := action
		t.Run(action, func(t *testing.T) {
			t.Parallel()
			body := fmt.Sprintf(`{
				"action": %q,
				"sender": {"login": "octocat"},
				"repository": {"full_name": "acme/widgets"},
				"issue": {"number": 7, "title": "Broken build", "html_url": "https://github.com/acme/widgets/issues/7"}
			}`, action)
			res := r.Dispatch("issues", []byte(body))
			if res.Outcome != OutcomeLines {
				t.Fatalf("Outcome = %v, want %v (reason %q)", res.Outcome, OutcomeLines, res.Reason)
			}
			want := fmt.Sprintf("\x02octocat\x02 has %s issue #7 (Broken build) on acme/widgets: https://github.com/acme/widgets/issues/7", action)
			if len(res.Lines) != 1 || res.Lines[0] != want {
				t.Fatalf("Lines = %q, want [%q]", res.Lines, want)
			}
		})
	}

	t.Run("unlisted action", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("issues", []byte(`{"action": "labeled", "sender": {"login": "x"}}`))
		if res.Outcome != OutcomeSkipped {
			t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeSkipped)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("issues", []byte(`{"action": "opened"}`))
		if res.Outcome != OutcomeSkipped {
			t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeSkipped)
		}
		if res.Reason == "" {
			t.Fatal("expected a reason on skipped result")
		}
	})
}

func TestRenderPing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "organization wins",
			body: `{"organization": {"login": "acme"}, "repository": {"full_name": "acme/widgets"}}`,
			want: "\x02GitHub\x02 has pinged acme",
		},
		{
			name: "repository fallback",
			body: `{"repository": {"full_name": "acme/widgets"}}`,
			want: "\x02GitHub\x02 has pinged acme/widgets",
		},
		{
			name: "nothing known",
			body: `{"hook_id": 1}`,
			want: "\x02GitHub\x02 has pinged ?UNKNOWN?",
		},
	}

	r := NewRenderer(3, false)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := r.Dispatch("ping", []byte(tt.body))
			if res.Outcome != OutcomeLines {
				t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeLines)
			}
			if len(res.Lines) != 1 || res.Lines[0] != tt.want {
				t.Fatalf("Lines = %q, want [%q]", res.Lines, tt.want)
			}
		})
	}

	t.Run("runtime announcement", func(t *testing.T) {
		t.Parallel()
		res := NewRenderer(3, true).Dispatch("ping", []byte(`{}`))
		if len(res.Lines) != 2 {
			t.Fatalf("len(Lines) = %d, want 2", len(res.Lines))
		}
		if !strings.HasPrefix(res.Lines[1], "I'm neferus, running on ") {
			t.Fatalf("runtime line = %q", res.Lines[1])
		}
	})
}

func TestRenderPullRequest(t *testing.T) {
	t.Parallel()
	payload := func(action string, merged bool) string {
		return fmt.Sprintf(`{
			"action": %q,
			"sender": {"login": "octocat"},
			"repository": {"full_name": "acme/widgets"},
			"pull_request": {"number": 42, "title": "Add frobnicator", "merged": %v, "html_url": "https://github.com/acme/widgets/pull/42"}
		}`, action, merged)
	}

	tests := []struct {
		name   string
		action string
		merged bool
		phrase string
	}{
		{name: "opened", action: "opened", phrase: "opened pull request #42 (Add frobnicator)"},
		{name: "merged", action: "closed", merged: true, phrase: "merged pull request #42 (Add frobnicator)"},
		{name: "closed unmerged", action: "closed", phrase: "closed pull request #42 (Add frobnicator)"},
		{name: "ready for review", action: "ready_for_review", phrase: "marked pull request #42 (Add frobnicator) ready for review"},
		{name: "reopened", action: "reopened", phrase: "reopened pull request #42 (Add frobnicator)"},
	}

	r := NewRenderer(3, false)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := r.Dispatch("pull_request", []byte(payload(tt.action, tt.merged)))
			if res.Outcome != OutcomeLines {
				t.Fatalf("Outcome = %v, want %v (reason %q)", res.Outcome, OutcomeLines, res.Reason)
			}
			want := "\x02octocat\x02 has " + tt.phrase + " on acme/widgets: https://github.com/acme/widgets/pull/42"
			if len(res.Lines) != 1 || res.Lines[0] != want {
				t.Fatalf("Lines = %q, want [%q]", res.Lines, want)
			}
		})
	}

	t.Run("synchronize skipped", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("pull_request", []byte(payload("synchronize", false)))
		if res.Outcome != OutcomeSkipped {
			t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeSkipped)
		}
	})
}

func pushPayload(ref string, forced, deleted bool, commits int) string {
	var sb strings.Builder
	for i := 0; i < commits; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"id": "%040d", "message": "commit %d\n\nlong body %d", "author": {"name": "Dev %d"}}`, i, i, i, i)
	}
	return fmt.Sprintf(`{
		"ref": %q,
		"forced": %v,
		"deleted": %v,
		"compare": "https://github.com/acme/widgets/compare/aaa...bbb",
		"sender": {"login": "octocat"},
		"repository": {"full_name": "acme/widgets", "html_url": "https://github.com/acme/widgets"},
		"commits": [%s]
	}`, ref, forced, deleted, sb.String())
}

func TestRenderPushBranch(t *testing.T) {
	t.Parallel()
	r := NewRenderer(3, false)

	t.Run("commits at the detail limit", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/heads/main", false, false, 3)))
		if res.Outcome != OutcomeLines {
			t.Fatalf("Outcome = %v, want %v (reason %q)", res.Outcome, OutcomeLines, res.Reason)
		}
		if len(res.Lines) != 4 {
			t.Fatalf("len(Lines) = %d, want 4: %q", len(res.Lines), res.Lines)
		}
		wantSummary := "\x02octocat\x02 has pushed 3 commits to acme/widgets/main: https://github.com/acme/widgets/compare/aaa...bbb"
		if res.Lines[0] != wantSummary {
			t.Fatalf("summary = %q, want %q", res.Lines[0], wantSummary)
		}
		// Detail lines carry the abbreviated sha and only the first
		// message line.
		want1 := fmt.Sprintf("Dev 0 %07d commit 0", 0)
		if res.Lines[1] != want1 {
			t.Fatalf("detail = %q, want %q", res.Lines[1], want1)
		}
		for _, line := range res.Lines[1:] {
			if strings.Contains(line, "long body") {
				t.Fatalf("detail line leaked past the first message line: %q", line)
			}
		}
	})

	t.Run("commits above the detail limit", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/heads/main", false, false, 4)))
		if res.Outcome != OutcomeLines {
			t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeLines)
		}
		if len(res.Lines) != 1 {
			t.Fatalf("len(Lines) = %d, want summary only: %q", len(res.Lines), res.Lines)
		}
		if !strings.Contains(res.Lines[0], "has pushed 4 commits to") {
			t.Fatalf("summary = %q", res.Lines[0])
		}
	})

	t.Run("single commit singular", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/heads/main", false, false, 1)))
		if !strings.Contains(res.Lines[0], "has pushed 1 commit to") {
			t.Fatalf("summary = %q", res.Lines[0])
		}
	})

	t.Run("zero commits drops count and compare", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/heads/main", false, false, 0)))
		if res.Outcome != OutcomeLines {
			t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeLines)
		}
		want := "\x02octocat\x02 has pushed to acme/widgets/main"
		if len(res.Lines) != 1 || res.Lines[0] != want {
			t.Fatalf("Lines = %q, want [%q]", res.Lines, want)
		}
	})

	t.Run("force push marker", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/heads/main", true, false, 0)))
		want := "\x02octocat\x02 has \x034\x02force-pushed\x0f to acme/widgets/main"
		if len(res.Lines) != 1 || res.Lines[0] != want {
			t.Fatalf("Lines = %q, want [%q]", res.Lines, want)
		}
	})
}

func TestRenderPushRefVariants(t *testing.T) {
	t.Parallel()
	r := NewRenderer(3, false)

	t.Run("deleted branch", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/heads/old", false, true, 0)))
		want := "\x02octocat\x02 has deleted acme/widgets/old"
		if res.Outcome != OutcomeLines || len(res.Lines) != 1 || res.Lines[0] != want {
			t.Fatalf("got %v %q, want [%q]", res.Outcome, res.Lines, want)
		}
	})

	t.Run("new tag", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/tags/v1.2.0", false, false, 0)))
		want := "\x02octocat\x02 has pushed tag v1.2.0 to acme/widgets/v1.2.0: https://github.com/acme/widgets/releases/tag/v1.2.0"
		if res.Outcome != OutcomeLines || len(res.Lines) != 1 || res.Lines[0] != want {
			t.Fatalf("got %v %q, want [%q]", res.Outcome, res.Lines, want)
		}
	})

	t.Run("rolling tag suppressed", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/tags/last-successful", false, false, 0)))
		if res.Outcome != OutcomeSkipped {
			t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeSkipped)
		}
	})

	t.Run("slashed branch name degrades", func(t *testing.T) {
		t.Parallel()
		// Four segments: the ref does not parse, and without a deletion
		// there is nothing sensible to announce.
		res := r.Dispatch("push", []byte(pushPayload("refs/heads/feature/x", false, false, 1)))
		if res.Outcome != OutcomeUnsupported {
			t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeUnsupported)
		}
	})

	t.Run("slashed branch deletion still announces", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("refs/heads/feature/x", false, true, 0)))
		want := "\x02octocat\x02 has deleted acme/widgets"
		if res.Outcome != OutcomeLines || len(res.Lines) != 1 || res.Lines[0] != want {
			t.Fatalf("got %v %q, want [%q]", res.Outcome, res.Lines, want)
		}
	})

	t.Run("unparseable ref unsupported", func(t *testing.T) {
		t.Parallel()
		res := r.Dispatch("push", []byte(pushPayload("HEAD", false, false, 0)))
		if res.Outcome != OutcomeUnsupported {
			t.Fatalf("Outcome = %v, want %v", res.Outcome, OutcomeUnsupported)
		}
	})
}

func TestRenderDeterministic(t *testing.T) {
	t.Parallel()
	r := NewRenderer(3, false)
	body := []byte(pushPayload("refs/heads/main", true, false, 2))

	first := r.Dispatch("push", body)
	for i := 0; i < 5; i++ {
		again := r.Dispatch("push", body)
		if len(again.Lines) != len(first.Lines) {
			t.Fatalf("run %d: len = %d, want %d", i, len(again.Lines), len(first.Lines))
		}
		for j := range again.Lines {
			if again.Lines[j] != first.Lines[j] {
				t.Fatalf("run %d line %d: %q != %q", i, j, again.Lines[j], first.Lines[j])
			}
		}
	}
}

func TestDispatchUnknownAndMalformed(t *testing.T) {
	t.Parallel()
	r := NewRenderer(3, false)

	if res := r.Dispatch("deployment", []byte(`{}`)); res.Outcome != OutcomeUnsupported {
		t.Fatalf("deployment Outcome = %v, want %v", res.Outcome, OutcomeUnsupported)
	}
	if res := r.Dispatch("push", []byte(`{"ref": 12}`)); res.Outcome != OutcomeSkipped {
		t.Fatalf("mistyped push Outcome = %v, want %v", res.Outcome, OutcomeSkipped)
	}
	if res := r.Dispatch("push", []byte(`not json`)); res.Outcome != OutcomeSkipped {
		t.Fatalf("garbage push Outcome = %v, want %v", res.Outcome, OutcomeSkipped)
	}
}
