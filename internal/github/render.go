// Package github turns GitHub webhook payloads into IRC-ready notification
// lines. Rendering is pure: no I/O, no logging, and identical input always
// produces identical output. Events the bridge recognizes but does not want
// to announce come back Skipped; events it cannot interpret come back
// Unsupported. Both carry a reason for the caller to log.
package github

import (
	"fmt"
	"runtime"
	"strings"
)

// IRC formatting control bytes.
const (
	ctrlBold  = "\x02"
	ctrlColor = "\x03"
	ctrlReset = "\x0f"
)

// forcedMarker renders "force-pushed" in bold red.
const forcedMarker = ctrlColor + "4" + ctrlBold + "force-pushed" + ctrlReset

// unknownRef stands in for ref segments that did not parse.
const unknownRef = "<unknown>"

// Outcome classifies what Dispatch produced.
type Outcome int

const (
	// OutcomeLines: the event rendered into deliverable lines.
	OutcomeLines Outcome = iota
	// OutcomeSkipped: the event is recognized but intentionally not announced.
	OutcomeSkipped
	// OutcomeUnsupported: the event type or shape has no renderer.
	OutcomeUnsupported
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLines:
		return "lines"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeUnsupported:
		return "unsupported"
	default:
		return "invalid"
	}
}

// Result is what Dispatch hands to the ingress handler.
type Result struct {
	Outcome Outcome
	Lines   []string
	Reason  string // set on Skipped and Unsupported
}

func skipped(reason string) Result     { return Result{Outcome: OutcomeSkipped, Reason: reason} }
func unsupported(reason string) Result { return Result{Outcome: OutcomeUnsupported, Reason: reason} }
func rendered(ls ...string) Result     { return Result{Outcome: OutcomeLines, Lines: ls} }

// Renderer holds the per-request rendering knobs. Construct one from the
// current config snapshot; the zero value renders with no commit detail
// lines and no runtime announcement.
type Renderer struct {
	maxCommits      int
	announceRuntime bool
}

func NewRenderer(maxCommits int, announceRuntime bool) Renderer {
	if maxCommits < 0 {
		maxCommits = 0
	}
	return Renderer{maxCommits: maxCommits, announceRuntime: announceRuntime}
}

func bold(s string) string { return ctrlBold + s + ctrlBold }

var issueActions = map[string]bool{
	"opened":   true,
	"deleted":  true,
	"closed":   true,
	"reopened": true,
}

func (r Renderer) renderIssues(p IssuesPayload) Result {
	if !issueActions[p.Action] {
		return skipped("issues action " + p.Action)
	}
	if p.Sender.Login == "" || p.Repository.FullName == "" || p.Issue.HTMLURL == "" || p.Issue.Number <= 0 {
		return skipped("issues payload missing required fields")
	}
	return rendered(fmt.Sprintf("%s has %s issue #%d (%s) on %s: %s",
		bold(p.Sender.Login), p.Action, p.Issue.Number, p.Issue.Title,
		p.Repository.FullName, p.Issue.HTMLURL))
}

func (r Renderer) renderPing(p PingPayload) Result {
	what := "?UNKNOWN?"
	switch {
	case p.Organization != nil && p.Organization.Login != "":
		what = p.Organization.Login
	case p.Repository != nil && p.Repository.FullName != "":
		what = p.Repository.FullName
	}
	out := []string{fmt.Sprintf("%s has pinged %s", bold("GitHub"), what)}
	if r.announceRuntime {
		out = append(out, fmt.Sprintf("I'm neferus, running on %s %s", runtime.GOOS, runtime.Version()))
	}
	return rendered(out...)
}

func (r Renderer) renderPullRequest(p PullRequestPayload) Result {
	pr := p.PullRequest
	ref := fmt.Sprintf("pull request #%d (%s)", pr.Number, pr.Title)
	var phrase string
	switch p.Action {
	case "opened":
		phrase = "opened " + ref
	case "closed":
		if pr.Merged {
			phrase = "merged " + ref
		} else {
			phrase = "closed " + ref
		}
	case "ready_for_review":
		phrase = "marked " + ref + " ready for review"
	case "reopened":
		phrase = "reopened " + ref
	default:
		return skipped("pull_request action " + p.Action)
	}
	if p.Sender.Login == "" || p.Repository.FullName == "" || pr.HTMLURL == "" || pr.Number <= 0 {
		return skipped("pull_request payload missing required fields")
	}
	return rendered(fmt.Sprintf("%s has %s on %s: %s",
		bold(p.Sender.Login), phrase, p.Repository.FullName, pr.HTMLURL))
}

func (r Renderer) renderPush(p PushPayload) Result {
	if p.Sender.Login == "" || p.Repository.FullName == "" {
		return skipped("push payload missing required fields")
	}

	// A well-formed ref has exactly three segments (refs/heads/main).
	// Anything else, branch names with slashes included, degrades to a
	// placeholder instead of failing.
	refType, refName := unknownRef, unknownRef
	if parts := strings.Split(p.Ref, "/"); len(parts) == 3 {
		refType, refName = parts[1], parts[2]
	}

	if refType == "tags" && refName == "last-successful" {
		// Rolling CI tag, moved on every build. Not worth announcing.
		return skipped("tag " + refName)
	}

	refPath := p.Repository.FullName
	if refType == "heads" || refType == "tags" {
		refPath += "/" + refName
	}

	pushType := "pushed"
	if p.Forced {
		pushType = forcedMarker
	}

	switch {
	case refType == "heads" && !p.Deleted:
		n := len(p.Commits)
		if n == 0 {
			return rendered(fmt.Sprintf("%s has %s to %s", bold(p.Sender.Login), pushType, refPath))
		}
		if p.Compare == "" {
			return skipped("push payload missing compare url")
		}
		plural := "commits"
		if n == 1 {
			plural = "commit"
		}
		out := []string{fmt.Sprintf("%s has %s %d %s to %s: %s",
			bold(p.Sender.Login), pushType, n, plural, refPath, p.Compare)}
		if n <= r.maxCommits {
			for _, c := range p.Commits {
				out = append(out, commitLine(c))
			}
		}
		return rendered(out...)

	case p.Deleted:
		return rendered(fmt.Sprintf("%s has deleted %s", bold(p.Sender.Login), refPath))

	case refType == "tags":
		if p.Repository.HTMLURL == "" {
			return skipped("push payload missing repository url")
		}
		return rendered(fmt.Sprintf("%s has %s tag %s to %s: %s/releases/tag/%s",
			bold(p.Sender.Login), pushType, refName, refPath, p.Repository.HTMLURL, refName))

	default:
		return unsupported("push ref " + p.Ref)
	}
}

// commitLine formats one detail line: author, abbreviated sha, first line
// of the commit message.
func commitLine(c Commit) string {
	msg := c.Message
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimRight(msg, "\r")
	id := c.ID
	if len(id) > 7 {
		id = id[:7]
	}
	return fmt.Sprintf("%s %s %s", c.Author.Name, id, msg)
}
