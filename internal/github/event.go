package github

// Kind identifies a webhook event type the bridge knows how to handle.
type Kind int

const (
	KindUnknown Kind = iota
	KindIssues
	KindPing
	KindPullRequest
	KindPush
)

// ParseKind maps an X-GitHub-Event header value to a Kind. GitHub sends
// lower-case event names; anything else is KindUnknown.
func ParseKind(event string) Kind {
	switch event {
	case "issues":
		return KindIssues
	case "ping":
		return KindPing
	case "pull_request":
		return KindPullRequest
	case "push":
		return KindPush
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindIssues:
		return "issues"
	case KindPing:
		return "ping"
	case KindPullRequest:
		return "pull_request"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}
