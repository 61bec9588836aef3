package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUdevUnknownDeviceReturnsEmptyAttrs(t *testing.T) {
	got := Udev("jbodinstall-test-device-that-does-not-exist")
	assert.Empty(t, got.Model)
	assert.Empty(t, got.Serial)
}

func TestFromSymlinksUnknownDeviceReturnsEmptyAttrs(t *testing.T) {
	got := fromSymlinks("jbodinstall-test-device-that-does-not-exist")
	assert.Empty(t, got.Model)
	assert.Empty(t, got.Serial)
}
