package forge

import (
	"context"
	"fmt"
	"net/http"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/xanzy/go-gitlab"
	"golang.org/x/xerrors"
)

// GitLabClient implements Client against a real GitLab instance. Package
// repositories are expected to live under a single group
// ("<domain>/<group>/<pkgbase>"), matching the GITLAB_PACKAGES_GROUP
// configuration knob from spec §6.
type GitLabClient struct {
	cli   *gitlab.Client
	group string

	// CIConfigPath, when set, is passed to each dispatched pipeline as
	// the BUILDBTW_CI_CONFIG_PATH variable (GITLAB_PACKAGES_CI_CONFIG).
	CIConfigPath string
}

// NewGitLabClient constructs a GitLabClient talking to the instance at
// baseURL, authenticated with token.
func NewGitLabClient(token, baseURL, group, ciConfigPath string) (*GitLabClient, error) {
	cli, err := gitlab.NewClient(token, gitlab.WithBaseURL(baseURL), gitlab.WithHTTPClient(&http.Client{Timeout: RequestTimeout}))
	if err != nil {
		return nil, xerrors.Errorf("creating gitlab client: %w", err)
	}
	return &GitLabClient{cli: cli, group: group, CIConfigPath: ciConfigPath}, nil
}

func (g *GitLabClient) project(pkg string) string {
	return g.group + "/" + pkg
}

func (g *GitLabClient) ListPackages(ctx context.Context) ([]string, error) {
	var (
		names []string
		page  = 1
	)
	for {
		projects, resp, err := g.cli.Groups.ListGroupProjects(g.group, &gitlab.ListGroupProjectsOptions{
			ListOptions: gitlab.ListOptions{Page: page, PerPage: 100},
		}, gitlab.WithContext(ctx))
		if err != nil {
			return nil, &buildbtw.ForgeUnavailable{Cause: err}
		}
		for _, p := range projects {
			names = append(names, p.Path)
		}
		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}
	return names, nil
}

func (g *GitLabClient) ListBranches(ctx context.Context, pkg string) ([]Branch, error) {
	branches, _, err := g.cli.Branches.ListBranches(g.project(pkg), &gitlab.ListBranchesOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, &buildbtw.ForgeUnavailable{Cause: err}
	}
	out := make([]Branch, 0, len(branches))
	for _, b := range branches {
		commit := ""
		if b.Commit != nil {
			commit = b.Commit.ID
		}
		out = append(out, Branch{Name: b.Name, Commit: commit})
	}
	return out, nil
}

func (g *GitLabClient) ResolveBranch(ctx context.Context, pkg, branch string) (string, error) {
	b, resp, err := g.cli.Branches.GetBranch(g.project(pkg), branch, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return "", &buildbtw.BranchMissing{Pkgbase: pkg, Branch: branch}
		}
		return "", &buildbtw.ForgeUnavailable{Cause: err}
	}
	if b.Commit == nil {
		return "", fmt.Errorf("branch %s/%s has no commit", pkg, branch)
	}
	return b.Commit.ID, nil
}

func (g *GitLabClient) DispatchPipeline(ctx context.Context, pkg, commit, arch string) (PipelineRef, error) {
	vars := []*gitlab.PipelineVariableOptions{
		{Key: gitlab.Ptr("BUILDBTW_ARCH"), Value: gitlab.Ptr(arch)},
	}
	opt := &gitlab.CreatePipelineOptions{
		Ref:       gitlab.Ptr(commit),
		Variables: &vars,
	}
	if g.CIConfigPath != "" {
		vars = append(vars, &gitlab.PipelineVariableOptions{
			Key:   gitlab.Ptr("BUILDBTW_CI_CONFIG_PATH"),
			Value: gitlab.Ptr(g.CIConfigPath),
		})
	}
	pipeline, _, err := g.cli.Pipelines.CreatePipeline(g.project(pkg), opt, gitlab.WithContext(ctx))
	if err != nil {
		return PipelineRef{}, &buildbtw.ExecutorDispatchFailed{Pkgbase: pkg, Cause: err}
	}
	return PipelineRef{ProjectID: pipeline.ProjectID, Pipeline: pipeline.ID}, nil
}

func (g *GitLabClient) PipelineStatus(ctx context.Context, ref PipelineRef) (Status, error) {
	pipeline, _, err := g.cli.Pipelines.GetPipeline(ref.ProjectID, ref.Pipeline, gitlab.WithContext(ctx))
	if err != nil {
		return "", &buildbtw.ForgeUnavailable{Cause: err}
	}
	return mapStatus(pipeline.Status), nil
}

func (g *GitLabClient) CancelPipeline(ctx context.Context, ref PipelineRef) error {
	_, _, err := g.cli.Pipelines.CancelPipelineBuild(ref.ProjectID, ref.Pipeline, gitlab.WithContext(ctx))
	return err // best-effort, caller logs and moves on (spec §5)
}

func mapStatus(s string) Status {
	switch s {
	case "success":
		return StatusSuccess
	case "failed":
		return StatusFailed
	case "canceled", "cancelled":
		return StatusCancelled
	case "running":
		return StatusRunning
	default:
		return StatusPending
	}
}
