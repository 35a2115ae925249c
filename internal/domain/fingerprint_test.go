package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStableAcrossMapOrder(t *testing.T) {
	a := Fingerprint(map[string]string{"denoise_method": "dwidenoise", "denoise_window": "5"})
	b := Fingerprint(map[string]string{"denoise_window": "5", "denoise_method": "dwidenoise"})
	assert.Equal(t, a, b)
}

func TestFingerprintSensitiveToValues(t *testing.T) {
	base := Fingerprint(map[string]string{"coreg_method": "epireg", "coreg_dof": "6"})

	changed := Fingerprint(map[string]string{"coreg_method": "epireg", "coreg_dof": "12"})
	assert.NotEqual(t, base, changed)

	extra := Fingerprint(map[string]string{"coreg_method": "epireg", "coreg_dof": "6", "x": ""})
	assert.NotEqual(t, base, extra)
}

func TestFingerprintNoConcatenationCollision(t *testing.T) {
	a := Fingerprint(map[string]string{"ab": "c"})
	b := Fingerprint(map[string]string{"a": "bc"})
	assert.NotEqual(t, a, b)
}

func TestFingerprintEmpty(t *testing.T) {
	assert.Equal(t, Fingerprint(nil), Fingerprint(map[string]string{}))
	assert.Len(t, Fingerprint(nil), 64)
}
