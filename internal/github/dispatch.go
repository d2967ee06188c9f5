package github

import (
	"encoding/json"
	"fmt"
)

// Dispatch decodes body according to the raw event name and renders it.
// Event names without a renderer come back Unsupported. A known event whose
// payload does not decode comes back Skipped so one malformed delivery
// cannot take the pipeline down.
func (r Renderer) Dispatch(event string, body []byte) Result {
	switch ParseKind(event) {
	case KindIssues:
		var p IssuesPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return skipped(decodeReason(event, err))
		}
		return r.renderIssues(p)
	case KindPing:
		var p PingPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return skipped(decodeReason(event, err))
		}
		return r.renderPing(p)
	case KindPullRequest:
		var p PullRequestPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return skipped(decodeReason(event, err))
		}
		return r.renderPullRequest(p)
	case KindPush:
		var p PushPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return skipped(decodeReason(event, err))
		}
		return r.renderPush(p)
	default:
		return unsupported("event " + event)
	}
}

func decodeReason(event string, err error) string {
	return fmt.Sprintf("%s payload does not decode: %v", event, err)
}
