package metrics

import "testing"

func TestRegister_NoPanic(t *testing.T) {
	Register()
	Register() // second call should be a no-op
}
