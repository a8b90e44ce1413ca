// Package uuid generates random identifiers for scratch resources
// (such as temporary bolt database files in tests) that need a
// collision-resistant name but carry no meaning of their own.
package uuid

import (
	googleuuid "github.com/google/uuid"
)

// MustUUID returns a random UUID string. It panics only if the underlying
// crypto/rand read fails, which google/uuid documents as not happening on
// any supported platform.
func MustUUID() string {
	return googleuuid.New().String()
}
