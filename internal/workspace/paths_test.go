package workspace

import (
	"strings"
	"testing"
)

func TestPathsAreProfileScoped(t *testing.T) {
	for _, fn := range []struct {
		name string
		f    func(string) string
	}{
		{"SocketPath", SocketPath},
		{"LockPath", LockPath},
		{"DBPath", DBPath},
		{"LogPath", LogPath},
	} {
		a := fn.f("alpha")
		b := fn.f("beta")
		if a == b {
			t.Errorf("%s: paths for different profiles collide: %s", fn.name, a)
		}
		if !strings.Contains(a, "alpha") {
			t.Errorf("%s: path %q does not contain profile name", fn.name, a)
		}
	}
}

func TestConfigPathIsGlobal(t *testing.T) {
	p := ConfigPath()
	if strings.Contains(p, "profiles") {
		t.Errorf("config path %q should not be profile-scoped", p)
	}
	if !strings.HasSuffix(p, "config.toml") {
		t.Errorf("config path %q should end with config.toml", p)
	}
}
