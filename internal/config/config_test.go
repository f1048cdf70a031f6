package config

import (
	"os"
	"testing"

	buildbtw "github.com/buildbtw/buildbtw"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		if err := os.Setenv(k, v); err != nil {
			t.Fatalf("Setenv(%s): %v", k, err)
		}
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestFromEnvRequiresDatabaseURL(t *testing.T) {
	withEnv(t, map[string]string{"DATABASE_URL": "", "BASE_URL": "http://localhost:8080"})
	_, err := FromEnv()
	if _, ok := err.(*buildbtw.ConfigInvalid); !ok {
		t.Fatalf("FromEnv error = %v (%T), want *ConfigInvalid", err, err)
	}
}

func TestFromEnvRequiresGitLabSettingsWhenEnabled(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL":          "postgres://localhost/buildbtw",
		"BASE_URL":              "http://localhost:8080",
		"RUN_BUILDS_ON_GITLAB":  "true",
		"GITLAB_TOKEN":          "",
		"GITLAB_DOMAIN":         "",
		"GITLAB_PACKAGES_GROUP": "",
	})
	_, err := FromEnv()
	if _, ok := err.(*buildbtw.ConfigInvalid); !ok {
		t.Fatalf("FromEnv error = %v (%T), want *ConfigInvalid", err, err)
	}
}

func TestFromEnvSuccess(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL":          "postgres://localhost/buildbtw",
		"BASE_URL":              "http://localhost:8080",
		"RUN_BUILDS_ON_GITLAB":  "true",
		"GITLAB_TOKEN":          "tok",
		"GITLAB_DOMAIN":         "gitlab.example.com",
		"GITLAB_PACKAGES_GROUP": "distro/packages",
	})
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.Port != "8080" {
		t.Fatalf("Port = %q, want default 8080", c.Port)
	}
	if !c.RunBuildsOnGitLab {
		t.Fatal("RunBuildsOnGitLab = false, want true")
	}
}
