package hosting

import (
	"context"
	"fmt"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"

	"github.com/openrabbit/openrabbit/internal/review"
)

// GitHub fetches pull-request metadata and changed files directly from
// the GitHub API, used when the incoming request does not already carry
// file diffs. Uses go-github-ratelimit middleware for automatic rate
// limit handling.
type GitHub struct {
	client *gh.Client
}

// NewGitHub creates an authenticated GitHub client.
func NewGitHub(token string) *GitHub {
	rateLimiter := github_ratelimit.NewClient(nil)
	client := gh.NewClient(rateLimiter)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHub{client: client}
}

// newGitHubWithBaseURL is a test hook pointing the client at a fake API.
func newGitHubWithBaseURL(baseURL string) (*GitHub, error) {
	client, err := gh.NewClient(nil).WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, err
	}
	return &GitHub{client: client}, nil
}

// ChangedFiles lists the files changed in a pull request, paginated,
// mapping each to its unified diff patch.
func (g *GitHub) ChangedFiles(ctx context.Context, owner, repo string, prNumber int) ([]review.FileInfo, error) {
	var files []review.FileInfo
	opts := &gh.ListOptions{PerPage: 100}
	for {
		page, resp, err := g.client.PullRequests.ListFiles(ctx, owner, repo, prNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("listing files for %s/%s#%d: %w", owner, repo, prNumber, err)
		}
		for _, f := range page {
			files = append(files, review.FileInfo{
				Path:       f.GetFilename(),
				Diff:       f.GetPatch(),
				IsNew:      f.GetStatus() == "added",
				IsDeleted:  f.GetStatus() == "removed",
				IsModified: f.GetStatus() == "modified",
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

// FillRequest populates missing request fields from the GitHub API:
// branch names, fork head coordinates, and the changed-file list.
func (g *GitHub) FillRequest(ctx context.Context, req *review.Request) error {
	pr, _, err := g.client.PullRequests.Get(ctx, req.Owner, req.Repo, req.PRNumber)
	if err != nil {
		return fmt.Errorf("fetching %s/%s#%d: %w", req.Owner, req.Repo, req.PRNumber, err)
	}

	if req.Branch == "" {
		req.Branch = pr.GetHead().GetRef()
	}
	if req.BaseBranch == "" {
		req.BaseBranch = pr.GetBase().GetRef()
	}
	if head := pr.GetHead().GetRepo(); head != nil {
		if head.GetOwner().GetLogin() != req.Owner || head.GetName() != req.Repo {
			req.HeadOwner = head.GetOwner().GetLogin()
			req.HeadRepo = head.GetName()
		}
	}

	if len(req.Files) == 0 {
		files, err := g.ChangedFiles(ctx, req.Owner, req.Repo, req.PRNumber)
		if err != nil {
			return err
		}
		req.Files = files
	}
	return nil
}
