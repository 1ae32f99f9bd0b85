package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-version"
)

var AppVersion = "v0.1.0"

type gitHubRelease struct {
	TagName string `json:"tag_name"`
}

// CheckForUpdates prints a warning when a newer release exists. Silent
// on any failure; an update check must never break the CLI.
func CheckForUpdates() {
	url := "https://api.github.com/repos/nulzo/relay/releases/latest"

	client := http.Client{
		Timeout: 2 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var release gitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return
	}

	current, err := version.NewVersion(AppVersion)
	if err != nil {
		return
	}

	latest, err := version.NewVersion(release.TagName)
	if err != nil {
		return
	}

	if current.LessThan(latest) {
		fmt.Printf("a newer version is available: %s (current %s)\n", release.TagName, AppVersion)
	}
}
