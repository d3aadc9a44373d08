package browser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/assert"
)

func TestParseFlag(t *testing.T) {
	tests := []struct {
		raw     string
		name    string
		val     string
		withVal bool
	}{
		{"--disable-infobars", "disable-infobars", "", false},
		{"--lang=en-US", "lang", "en-US", true},
		{"  -window-size=1280,800 ", "window-size", "1280,800", true},
		{"", "", "", false},
	}
	for _, tt := range tests {
		name, val, hasVal := parseFlag(tt.raw)
		if name != tt.name || val != tt.val || hasVal != tt.withVal {
			t.Errorf("parseFlag(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.raw, name, val, hasVal, tt.name, tt.val, tt.withVal)
		}
	}
}

func TestDriver_LauncherFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Headless = true
	cfg.Flags = []string{"--disable-infobars", "--lang=en-US", "--"}

	l := NewDriver(cfg).launcher("/tmp/profiles/chatgpt")

	assert.Equal(t, "/tmp/profiles/chatgpt", l.Get(flags.UserDataDir))
	assert.True(t, l.Has(flags.Flag("disable-infobars")))
	assert.Equal(t, "en-US", l.Get(flags.Flag("lang")))
	assert.True(t, l.Has(flags.Headless))
}

func TestConfig_NavigationTimeoutFallback(t *testing.T) {
	var cfg Config
	assert.Equal(t, 30*time.Second, cfg.GetNavigationTimeout())
	cfg.NavigationTimeout = time.Second
	assert.Equal(t, time.Second, cfg.GetNavigationTimeout())
}

func TestStealthScriptEmbedded(t *testing.T) {
	if !strings.Contains(stealthScript, "webdriver") {
		t.Fatal("stealth script should mask navigator.webdriver")
	}
}

func TestClosedPageRejectsCalls(t *testing.T) {
	p := &rodPage{closed: true}
	_, err := p.live()
	assert.ErrorIs(t, err, ErrPageClosed)
	assert.NoError(t, p.Close())
}

func TestClearStaleLock(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "SingletonLock")
	if err := os.Symlink("somehost-12345", lock); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	clearStaleLock(dir)

	_, err := os.Lstat(lock)
	assert.True(t, os.IsNotExist(err), "stale lock should be removed")

	clearStaleLock(dir)
}
