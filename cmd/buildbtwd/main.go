// Command buildbtwd runs the build orchestration engine server: the
// periodic Reconciler, the per-iteration Schedule Engines it manages,
// and the HTTP API executors and operators talk to.
//
// Grounded on distr1-distri's cmd/autobuilder/autobuilder.go, which
// wires flags, an interruptible context, a background HTTP listener,
// and a polling control loop together in main; this command follows
// the same shape with buildbtw's own components in place of
// autobuilder's single hardcoded repository build.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/config"
	"github.com/buildbtw/buildbtw/internal/forge"
	"github.com/buildbtw/buildbtw/internal/forge/forgetest"
	"github.com/buildbtw/buildbtw/internal/httpapi"
	"github.com/buildbtw/buildbtw/internal/iterrepo"
	"github.com/buildbtw/buildbtw/internal/reconciler"
	"github.com/buildbtw/buildbtw/internal/sourcemirror"
	"github.com/buildbtw/buildbtw/internal/store"
)

func main() {
	var (
		cloneDir  = flag.String("clone_dir", "/var/lib/buildbtwd/clones", "directory holding mirrored package repository clones")
		repoDir   = flag.String("repo_dir", "/var/lib/buildbtwd/repo", "directory holding per-iteration pacman repositories")
		interval  = flag.Duration("interval", 30*time.Second, "how frequently to reconcile every active namespace")
		maxAssign = flag.Int("max_concurrent_assignments", 0, "cap on in-flight assignments per (iteration, architecture); 0 means unbounded")
		archsFlag = flag.String("architectures", "x86_64,aarch64", "comma-separated architectures to plan and schedule builds for")
		fakeForge = flag.Bool("fake_forge", false, "use an in-memory forge instead of GitLab, for local smoke-testing")
	)
	flag.Parse()

	ctx, canc := buildbtw.InterruptibleContext()
	defer canc()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("%v", err)
	}

	archs := splitArchitectures(*archsFlag)

	var client forge.Client
	if *fakeForge {
		client = forgetest.New()
	} else {
		client, err = forge.NewGitLabClient(cfg.GitLabToken, cfg.GitLabDomain, cfg.GitLabPackagesGroup, cfg.GitLabPackagesCIConfig)
		if err != nil {
			log.Fatalf("connecting to GitLab: %v", err)
		}
	}

	parser := &sourcemirror.GitMetadataParser{CloneDir: sourcemirror.DefaultCloneDir(*cloneDir)}
	mirror := sourcemirror.New(client, parser.Parse)
	if err := mirror.Warmup(ctx); err != nil {
		log.Fatalf("warming up source mirror: %v", err)
	}

	st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connecting to %s: %v", cfg.DatabaseURL, err)
	}

	repo := iterrepo.New(*repoDir, namespaceResolver(st))

	engines := reconciler.NewEngines()
	rec := reconciler.New(st, mirror, engines, repo, archs, *interval)
	rec.MaxConcurrentAssignments = *maxAssign

	srv := httpapi.New(st, mirror, engines, rec, repo, archs)

	go func() {
		log.Printf("listening on :%s", cfg.Port)
		if err := http.ListenAndServe(":"+cfg.Port, srv.Mux()); err != nil {
			log.Fatalf("HTTP server: %v", err)
		}
	}()

	if err := rec.Run(ctx); err != nil {
		log.Fatalf("reconciler: %+v", err)
	}
	if err := buildbtw.RunAtExit(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func splitArchitectures(s string) []buildbtw.Architecture {
	var out []buildbtw.Architecture
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, buildbtw.Architecture(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// namespaceResolver adapts the Store's reverse iteration lookup into
// the function iterrepo.Repository needs to map an iteration ID back
// to its owning namespace's name for the <namespace>_<iteration> path
// convention (spec §4.6).
func namespaceResolver(st store.Store) func(iterationID string) (string, error) {
	return func(iterationID string) (string, error) {
		ns, err := st.NamespaceForIteration(context.Background(), iterationID)
		if err != nil {
			return "", err
		}
		if ns == nil {
			return "", &buildbtw.MalformedRequest{Reason: "no namespace owns iteration " + iterationID}
		}
		return ns.Name, nil
	}
}
