package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gh "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrabbit/openrabbit/internal/review"
)

// newTestGitHub creates a GitHub client wired to a fake API server.
func newTestGitHub(t *testing.T, handler http.Handler) *GitHub {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	g, err := newGitHubWithBaseURL(server.URL + "/")
	require.NoError(t, err)
	return g
}

func TestChangedFilesPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/widgets/pulls/42/files", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" || page == "1" {
			w.Header().Set("Link", fmt.Sprintf(`<http://%s%s?page=2>; rel="next"`, r.Host, r.URL.Path))
			json.NewEncoder(w).Encode([]*gh.CommitFile{
				{Filename: gh.Ptr("a.go"), Status: gh.Ptr("modified"), Patch: gh.Ptr("@@ -1 +1 @@\n-x\n+y")},
			})
			return
		}
		json.NewEncoder(w).Encode([]*gh.CommitFile{
			{Filename: gh.Ptr("b.go"), Status: gh.Ptr("added"), Patch: gh.Ptr("@@ -0,0 +1 @@\n+z")},
			{Filename: gh.Ptr("c.go"), Status: gh.Ptr("removed")},
		})
	})

	g := newTestGitHub(t, mux)
	files, err := g.ChangedFiles(context.Background(), "acme", "widgets", 42)
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "a.go", files[0].Path)
	assert.True(t, files[0].IsModified)
	assert.Contains(t, files[0].Diff, "+y")
	assert.True(t, files[1].IsNew)
	assert.True(t, files[2].IsDeleted)
}

func TestChangedFilesAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})

	g := newTestGitHub(t, mux)
	_, err := g.ChangedFiles(context.Background(), "acme", "widgets", 404)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme/widgets#404")
}

func TestFillRequestForkPR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/widgets/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&gh.PullRequest{
			Number: gh.Ptr(7),
			Head: &gh.PullRequestBranch{
				Ref: gh.Ptr("fix/crash"),
				Repo: &gh.Repository{
					Name:  gh.Ptr("widgets"),
					Owner: &gh.User{Login: gh.Ptr("contributor")},
				},
			},
			Base: &gh.PullRequestBranch{Ref: gh.Ptr("main")},
		})
	})
	mux.HandleFunc("GET /api/v3/repos/acme/widgets/pulls/7/files", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]*gh.CommitFile{
			{Filename: gh.Ptr("main.go"), Status: gh.Ptr("modified"), Patch: gh.Ptr("@@ -1 +1 @@")},
		})
	})

	g := newTestGitHub(t, mux)
	req := &review.Request{Owner: "acme", Repo: "widgets", PRNumber: 7}
	require.NoError(t, g.FillRequest(context.Background(), req))

	assert.Equal(t, "fix/crash", req.Branch)
	assert.Equal(t, "main", req.BaseBranch)
	assert.Equal(t, "contributor", req.HeadOwner)
	assert.True(t, req.IsFork())
	require.Len(t, req.Files, 1)
	assert.Equal(t, "main.go", req.Files[0].Path)
}

func TestFillRequestSameRepoNotFork(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/widgets/pulls/8", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&gh.PullRequest{
			Number: gh.Ptr(8),
			Head: &gh.PullRequestBranch{
				Ref: gh.Ptr("feature/x"),
				Repo: &gh.Repository{
					Name:  gh.Ptr("widgets"),
					Owner: &gh.User{Login: gh.Ptr("acme")},
				},
			},
			Base: &gh.PullRequestBranch{Ref: gh.Ptr("main")},
		})
	})

	g := newTestGitHub(t, mux)
	req := &review.Request{
		Owner: "acme", Repo: "widgets", PRNumber: 8,
		Files: []review.FileInfo{{Path: "already.go"}},
	}
	require.NoError(t, g.FillRequest(context.Background(), req))

	assert.False(t, req.IsFork())
	assert.Len(t, req.Files, 1, "existing files not refetched")
}
