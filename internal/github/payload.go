package github

// Payload types cover only the fields the renderers read. GitHub sends far
// more; unknown fields are ignored on decode.

type User struct {
	Login string `json:"login"`
}

type Organization struct {
	Login string `json:"login"`
}

type Repository struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
}

type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
}

type CommitAuthor struct {
	Name string `json:"name"`
}

type Commit struct {
	ID      string       `json:"id"`
	Message string       `json:"message"`
	Author  CommitAuthor `json:"author"`
}

type IssuesPayload struct {
	Action     string     `json:"action"`
	Sender     User       `json:"sender"`
	Repository Repository `json:"repository"`
	Issue      Issue      `json:"issue"`
}

// PingPayload carries optional context: organization hooks have no
// repository and repository hooks have no organization.
type PingPayload struct {
	Organization *Organization `json:"organization"`
	Repository   *Repository   `json:"repository"`
}

type PullRequestPayload struct {
	Action      string      `json:"action"`
	Sender      User        `json:"sender"`
	Repository  Repository  `json:"repository"`
	PullRequest PullRequest `json:"pull_request"`
}

type PushPayload struct {
	Ref        string     `json:"ref"`
	Forced     bool       `json:"forced"`
	Deleted    bool       `json:"deleted"`
	Compare    string     `json:"compare"`
	Sender     User       `json:"sender"`
	Repository Repository `json:"repository"`
	Commits    []Commit   `json:"commits"`
}
