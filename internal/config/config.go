// Package config reads buildbtwd's deployment settings from the
// environment, following distr1-distri's internal/env/env.go — plain
// os.Getenv reads into a struct, no configuration framework.
package config

import (
	"os"
	"strconv"

	buildbtw "github.com/buildbtw/buildbtw"
)

// Config holds every environment-sourced deployment setting named in
// spec §6. Process-local knobs (listen address, data directory) are
// flags on the owning cmd, not part of this struct.
type Config struct {
	Port        string
	BaseURL     string
	DatabaseURL string
	ServerURL   string

	GitLabToken            string
	GitLabDomain           string
	GitLabPackagesGroup    string
	GitLabPackagesCIConfig string

	RunBuildsOnGitLab bool
}

// FromEnv reads Config from the process environment, returning
// ConfigInvalid if a required variable is missing or malformed.
func FromEnv() (*Config, error) {
	c := &Config{
		Port:                   getenvDefault("PORT", "8080"),
		BaseURL:                os.Getenv("BASE_URL"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		ServerURL:              os.Getenv("SERVER_URL"),
		GitLabToken:            os.Getenv("GITLAB_TOKEN"),
		GitLabDomain:           os.Getenv("GITLAB_DOMAIN"),
		GitLabPackagesGroup:    os.Getenv("GITLAB_PACKAGES_GROUP"),
		GitLabPackagesCIConfig: os.Getenv("GITLAB_PACKAGES_CI_CONFIG"),
	}

	if c.DatabaseURL == "" {
		return nil, &buildbtw.ConfigInvalid{Reason: "DATABASE_URL is required"}
	}
	if c.BaseURL == "" {
		return nil, &buildbtw.ConfigInvalid{Reason: "BASE_URL is required"}
	}

	runOnGitLab := os.Getenv("RUN_BUILDS_ON_GITLAB")
	if runOnGitLab != "" {
		b, err := strconv.ParseBool(runOnGitLab)
		if err != nil {
			return nil, &buildbtw.ConfigInvalid{Reason: "RUN_BUILDS_ON_GITLAB must be a bool: " + err.Error()}
		}
		c.RunBuildsOnGitLab = b
	}
	if c.RunBuildsOnGitLab {
		if c.GitLabToken == "" || c.GitLabDomain == "" || c.GitLabPackagesGroup == "" {
			return nil, &buildbtw.ConfigInvalid{Reason: "GITLAB_TOKEN, GITLAB_DOMAIN and GITLAB_PACKAGES_GROUP are required when RUN_BUILDS_ON_GITLAB=true"}
		}
	}

	return c, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
