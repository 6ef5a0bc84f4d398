package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveMaxAge(t *testing.T) {
	expiry := 24 * time.Hour

	assert.Equal(t, expiry, resolveMaxAge(-1, expiry))
	assert.Zero(t, resolveMaxAge(0, expiry))
	assert.Equal(t, 2*time.Hour, resolveMaxAge(2*time.Hour, expiry))
}
