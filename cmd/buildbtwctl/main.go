// Command buildbtwctl is a thin HTTP client for buildbtwd: create,
// list, and cancel namespaces from the command line, and fetch files
// from an iteration's repository.
//
// Grounded on distr1-distri's cmd/distri/distri.go, whose main
// dispatches on args[0] through a verb -> func table and exits 2 on an
// unknown verb; this command keeps that verb-table shape with
// buildbtw's four operator-facing verbs in place of distri's package
// management ones.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/repo"
)

type verb struct {
	fn func(ctx context.Context, serverURL string, args []string) error
}

var verbs = map[string]verb{
	"new":    {fn: newNamespace},
	"list":   {fn: listNamespaces},
	"cancel": {fn: cancelNamespace},
	"fetch":  {fn: fetchArtifact},
}

// fetchArtifact downloads one repository-relative path (e.g.
// "curl-test_it-1/os/x86_64/curl-8.5.0-1-x86_64.pkg.tar.zst") to the
// current directory, for operators inspecting a build without a pacman
// toolchain on hand.
func fetchArtifact(ctx context.Context, serverURL string, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	noCache := fs.Bool("no_cache", false, "bypass the local HTTP cache")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: buildbtwctl fetch <namespace>_<iteration>/os/<arch>/<file>")
	}
	repoPath := fs.Arg(0)

	rc, err := repo.Fetch(ctx, serverURL, repoPath, !*noCache)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(filepath.Base(repoPath))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, rc)
	return err
}

func newNamespace(ctx context.Context, serverURL string, args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	name := fs.String("name", "", "namespace name")
	fs.Parse(args)
	if *name == "" || fs.NArg() == 0 {
		return fmt.Errorf("usage: buildbtwctl new -name=<name> <pkgbase>/<branch>...")
	}

	var refs []buildbtw.BranchRef
	for _, arg := range fs.Args() {
		ref, err := parseBranchRef(arg)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	body, err := json.Marshal(struct {
		Name             string               `json:"name"`
		OriginChangesets []buildbtw.BranchRef `json:"origin_changesets"`
	}{Name: *name, OriginChangesets: refs})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/namespace", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, os.Stdout)
}

func listNamespaces(ctx context.Context, serverURL string, args []string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/namespace", nil)
	if err != nil {
		return err
	}
	return do(req, os.Stdout)
}

func cancelNamespace(ctx context.Context, serverURL string, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: buildbtwctl cancel <name>")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/namespace/"+fs.Arg(0)+"/cancel", nil)
	if err != nil {
		return err
	}
	return do(req, os.Stdout)
}

func do(req *http.Request, out io.Writer) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, msg)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func parseBranchRef(s string) (buildbtw.BranchRef, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return buildbtw.BranchRef{Pkgbase: buildbtw.Pkgbase(s[:i]), Branch: s[i+1:]}, nil
		}
	}
	return buildbtw.BranchRef{}, fmt.Errorf("%q is not a pkgbase/branch pair", s)
}

func funcmain() error {
	serverURL := flag.String("server_url", os.Getenv("BUILDBTW_SERVER_URL"), "buildbtwd base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("syntax: buildbtwctl <command> [options]\navailable commands: new, list, cancel, fetch")
	}
	name, rest := args[0], args[1:]

	v, ok := verbs[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		fmt.Fprintf(os.Stderr, "syntax: buildbtwctl <command> [options]\n")
		os.Exit(2)
	}
	if *serverURL == "" {
		return fmt.Errorf("-server_url (or BUILDBTW_SERVER_URL) is required")
	}

	ctx, canc := buildbtw.InterruptibleContext()
	defer canc()
	return v.fn(ctx, *serverURL, rest)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
