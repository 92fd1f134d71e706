package utils

import (
	"os"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InstanceID identifies this process in cgroup scope names and log fields.
var InstanceID = gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ", 12)

// NewRunID returns a short identifier for a single run.
func NewRunID() string {
	return gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 8)
}

// Returns true if the specified directory exists and is actually a directory (not a file)
func DirectoryExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.IsDir()
}
