package crdtstorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestS3AdapterKeyMapping(t *testing.T) {
	a := NewS3Adapter(nil, "bucket", "users/u-123/")

	key := Key{"docs", "ab", "cd", "abcd", "snapshot"}
	objectKey := a.objectKey(key)
	assert.Equal(t, "users/u-123/docs/ab/cd/abcd/snapshot", objectKey)
	assert.Equal(t, key, a.storageKey(objectKey))
}

func TestS3AdapterKeyMappingNoPrefix(t *testing.T) {
	a := NewS3Adapter(nil, "bucket", "")

	key := Key{"docs", "snapshot"}
	objectKey := a.objectKey(key)
	assert.Equal(t, "docs/snapshot", objectKey)
	assert.Equal(t, key, a.storageKey(objectKey))
}
