package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID returns a prefixed random identifier.
func GenerateID(prefix string) string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return prefix + hex.EncodeToString(bytes)
}

// UniqueFileName builds a collision-free name for a transient artifact.
// Worker items run concurrently in a shared scratch directory, so names
// carry both a millisecond timestamp and a random component.
func UniqueFileName(base, ext string) string {
	return fmt.Sprintf("%s_%d_%s.%s", base, time.Now().UnixMilli(), GenerateID(""), ext)
}
