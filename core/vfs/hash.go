package vfs

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ResourceType tags what kind of payload a resource holds.
type ResourceType string

const (
	TypeNote    ResourceType = "note"
	TypeMindMap ResourceType = "mindmap"
	TypeEssay   ResourceType = "essay"
	TypeExam    ResourceType = "exam"
	TypeImage   ResourceType = "image"
	TypeFile    ResourceType = "file"
	TypeMemo    ResourceType = "memo"
)

// saltedTypes are content-addressed per owning entity: two notes with
// identical text keep independent resources, so an edit to one never bleeds
// into the other's version history. Shared-payload types (essay, exam,
// image, file) deduplicate globally instead.
var saltedTypes = map[ResourceType]bool{
	TypeNote:    true,
	TypeMindMap: true,
	TypeMemo:    true,
}

// Salted reports whether the type hashes with a per-entity salt.
func Salted(t ResourceType) bool {
	return saltedTypes[t]
}

// ContentHash computes the blake2b-256 content address for a payload.
// For salted types the owning entity id is mixed in; for shared types
// salt must be empty so identical payloads collide and deduplicate.
func ContentHash(payload []byte, salt string) string {
	h, _ := blake2b.New256(nil)
	h.Write(payload)
	if salt != "" {
		h.Write([]byte{0})
		h.Write([]byte(salt))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashFor applies the per-type salt policy and computes the content address.
func HashFor(t ResourceType, payload []byte, sourceID string) string {
	if Salted(t) {
		return ContentHash(payload, sourceID)
	}
	return ContentHash(payload, "")
}
