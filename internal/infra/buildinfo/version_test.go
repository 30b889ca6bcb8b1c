package buildinfo

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"runtime"
	"strings"
	"testing"
)

func TestGet_NoEmptyFields(t *testing.T) {
	info := Get()
	for name, v := range map[string]string{
		"Version":   info.Version,
		"Commit":    info.Commit,
		"BuildTime": info.BuildTime,
		"GoVersion": info.GoVersion,
	} {
		if v == "" {
			t.Errorf("%s is empty", name)
		}
	}
}

func TestGet_GoVersionFallback(t *testing.T) {
	if GoVersion != "unknown" {
		t.Skip("GoVersion injected via ldflags")
	}
	if got := Get().GoVersion; got != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", got, runtime.Version())
	}
}

func TestGet_LdflagsWin(t *testing.T) {
	saved := Commit
	t.Cleanup(func() { Commit = saved })

	Commit = "abc1234"
	if got := Get().Commit; got != "abc1234" {
		t.Errorf("Commit = %q, want the injected value", got)
	}
}

func TestString(t *testing.T) {
	info := Get()
	want := info.Version + " (" + info.Commit + ") built at " + info.BuildTime
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestInfo_JSON(t *testing.T) {
	b, err := json.Marshal(Info{Version: "v1.2.0", Commit: "c", BuildTime: "t", GoVersion: "go1.24"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"version":"v1.2.0","commit":"c","build_time":"t","go_version":"go1.24"}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}

func TestInfo_LogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("starting dps-server", "build", Get())

	if !strings.Contains(buf.String(), "build.version="+Version) {
		t.Errorf("log output %q lacks build.version", buf.String())
	}
}
