// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Version information for Espelho de São Miguel.
package main

// ProjectName is the display name of the project
const ProjectName = "Espelho de São Miguel"

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X main.Version=<version> -X main.Commit=<sha>"
var (
	Version = "dev"
	Commit  = ""
)

func versionString() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
