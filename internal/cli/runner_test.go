package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/g960059/tunnelctl/internal/api"
	"github.com/g960059/tunnelctl/internal/db"
	"github.com/g960059/tunnelctl/internal/model"
	"github.com/g960059/tunnelctl/internal/testutil"
)

type fixture struct {
	svc    *testutil.Service
	config string
	dbPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := testutil.NewService(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "settings.db")
	cfg := fmt.Sprintf(`
[service]
address = %q

[db]
path = %q

[log]
level = "error"
file = ""
`, svc.Address(), dbPath)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &fixture{svc: svc, config: path, dbPath: dbPath}
}

func (f *fixture) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	r := NewRunner(&out, &errOut)
	code := r.Run(context.Background(), append([]string{"--config", f.config}, args...))
	return code, out.String(), errOut.String()
}

func tunnel(id, name string, enabled bool) model.Rule {
	return model.NewTunnelRule(id, name, enabled, model.TunnelConfig{
		Protocol:   model.ProtocolTCP,
		ListenPort: 8080,
		TargetHost: "10.0.0.2",
		TargetPort: 80,
	})
}

func TestStatusAndStartStop(t *testing.T) {
	f := newFixture(t)
	f.svc.Seed(tunnel("a", "web", true))

	code, out, errOut := f.run(t, "status")
	if code != 0 {
		t.Fatalf("status exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "service:  stopped") || !strings.Contains(out, "rules:    1 (1 enabled)") {
		t.Fatalf("unexpected status output:\n%s", out)
	}
	if !strings.Contains(out, "unlicensed (2 enabled rules)") {
		t.Fatalf("expected free license line:\n%s", out)
	}

	code, out, _ = f.run(t, "start")
	if code != 0 || !strings.Contains(out, "service started") {
		t.Fatalf("start: exit %d out %q", code, out)
	}
	if !f.svc.Checkpoints().Started {
		t.Fatalf("expected service started")
	}
	code, out, _ = f.run(t, "start")
	if code != 0 || !strings.Contains(out, "already running") {
		t.Fatalf("second start: exit %d out %q", code, out)
	}
	code, out, _ = f.run(t, "stop")
	if code != 0 || !strings.Contains(out, "service stopped") {
		t.Fatalf("stop: exit %d out %q", code, out)
	}
}

func TestStatusRemembersAddress(t *testing.T) {
	f := newFixture(t)
	if code, _, errOut := f.run(t, "status"); code != 0 {
		t.Fatalf("status exit %d: %s", code, errOut)
	}
	store, err := db.OpenMigrated(context.Background(), f.dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	got, err := store.Read(context.Background(), db.KeyLastAddress, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != f.svc.Address() {
		t.Fatalf("expected %q remembered, got %q", f.svc.Address(), got)
	}
}

func TestRememberedAddressReplacesDefault(t *testing.T) {
	svc := testutil.NewService(t)
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)
	dbPath := filepath.Join(dir, "settings.db")

	ctx := context.Background()
	store, err := db.OpenMigrated(ctx, dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Write(ctx, db.KeyLastAddress, svc.Address()); err != nil {
		t.Fatalf("write address: %v", err)
	}
	_ = store.Close()

	cfg := fmt.Sprintf(`
[db]
path = %q

[log]
level = "error"
file = ""
`, dbPath)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	f := &fixture{svc: svc, config: path, dbPath: dbPath}

	if code, _, errOut := f.run(t, "start"); code != 0 {
		t.Fatalf("start exit %d: %s", code, errOut)
	}
	if !svc.Checkpoints().Started {
		t.Fatalf("expected start to reach the remembered address")
	}
}

func TestRulesImportListExportDelete(t *testing.T) {
	f := newFixture(t)
	f.svc.Seed(tunnel("a", "web", false))

	doc := `<ruleset><tunnels>` +
		`<tunnel uuid="b" name="web" enabled="false" protocol="tcp" listen-port="9000" target-host="10.0.0.3" target-port="90"></tunnel>` +
		`</tunnels></ruleset>`
	file := filepath.Join(t.TempDir(), "rules.xml")
	if err := os.WriteFile(file, []byte(doc), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	code, out, errOut := f.run(t, "rules", "import", file)
	if code != 0 {
		t.Fatalf("import exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, `"web (2)"`) {
		t.Fatalf("expected collision rename, got %q", out)
	}
	if f.svc.RuleSet().Len() != 2 {
		t.Fatalf("expected imported rule applied to service")
	}

	code, out, _ = f.run(t, "rules", "list")
	if code != 0 || !strings.Contains(out, "web (2)") || !strings.Contains(out, "tcp *:9000 -> 10.0.0.3:90") {
		t.Fatalf("list: exit %d out:\n%s", code, out)
	}

	code, out, _ = f.run(t, "rules", "export", "b")
	if code != 0 || !strings.Contains(out, `uuid="b"`) || strings.Contains(out, `uuid="a"`) {
		t.Fatalf("export: exit %d out:\n%s", code, out)
	}

	code, _, errOut = f.run(t, "rules", "delete", "a")
	if code != 0 {
		t.Fatalf("delete exit %d: %s", code, errOut)
	}
	if n := f.svc.Calls(api.ActionDeleteRules); n != 1 {
		t.Fatalf("expected one delete call, got %d", n)
	}
	if rs := f.svc.RuleSet(); rs.Len() != 1 || rs.Tunnels[0].UUID != "b" {
		t.Fatalf("unexpected rules after delete: %+v", rs)
	}
}

func TestRulesEnableRespectsFreeLimit(t *testing.T) {
	f := newFixture(t)
	f.svc.Seed(tunnel("a", "a", false), tunnel("b", "b", false), tunnel("c", "c", false))

	code, _, errOut := f.run(t, "rules", "enable", "a", "b", "c")
	if code != 1 || !strings.Contains(errOut, "license rule limit reached") {
		t.Fatalf("expected license error, got exit %d: %s", code, errOut)
	}
	code, out, errOut := f.run(t, "rules", "enable", "a", "b")
	if code != 0 || !strings.Contains(out, "enabled 2 rule(s)") {
		t.Fatalf("enable: exit %d out %q err %q", code, out, errOut)
	}
	code, _, _ = f.run(t, "rules", "disable", "a")
	if code != 0 {
		t.Fatalf("disable exit %d", code)
	}
	for _, r := range f.svc.RuleSet().Tunnels {
		if want := r.UUID == "b"; r.Enabled != want {
			t.Fatalf("rule %s enabled=%v", r.UUID, r.Enabled)
		}
	}
}

func TestLicenseAndLogLevel(t *testing.T) {
	f := newFixture(t)
	code, out, _ := f.run(t, "license", "--key", "TUNNEL-5-acme")
	if code != 0 || !strings.Contains(out, "acme (5 enabled rules)") {
		t.Fatalf("license: exit %d out %q", code, out)
	}
	code, out, _ = f.run(t, "log-level", "debug")
	if code != 0 || strings.TrimSpace(out) != "debug" {
		t.Fatalf("log-level: exit %d out %q", code, out)
	}
	if code, _, _ := f.run(t, "log-level", "loud"); code != 2 {
		t.Fatalf("expected usage exit for bad level, got %d", code)
	}
}

func TestLogsAdaptersCert(t *testing.T) {
	f := newFixture(t)
	f.svc.Log(model.LogLevelWarning, "r1", "port busy")

	code, out, _ := f.run(t, "logs", "-n", "5")
	if code != 0 || !strings.Contains(out, "WARNING") || !strings.Contains(out, "port busy  [r1]") {
		t.Fatalf("logs: exit %d out:\n%s", code, out)
	}
	code, out, _ = f.run(t, "adapters")
	if code != 0 || !strings.Contains(out, "eth0") {
		t.Fatalf("adapters: exit %d out:\n%s", code, out)
	}
	code, out, _ = f.run(t, "cert", "--pem")
	if code != 0 || !strings.Contains(out, "fingerprint:") || !strings.Contains(out, "BEGIN CERTIFICATE") {
		t.Fatalf("cert: exit %d out:\n%s", code, out)
	}
}

func TestAckStoresCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.svc.Log(model.LogLevelError, "", "bind failed")
	if code, _, errOut := f.run(t, "ack"); code != 0 {
		t.Fatalf("ack exit %d: %s", code, errOut)
	}
	store, err := db.OpenMigrated(context.Background(), f.dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	got, err := store.ReadInt64(context.Background(), db.KeyAckErrorTime, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != f.svc.Checkpoints().ErrorTime {
		t.Fatalf("expected %d, got %d", f.svc.Checkpoints().ErrorTime, got)
	}
}

func TestUsageErrors(t *testing.T) {
	f := newFixture(t)
	if code, _, _ := f.run(t, "status", "--bogus"); code != 2 {
		t.Fatalf("expected exit 2 for unknown flag, got %d", code)
	}
	if code, _, _ := f.run(t, "rules", "import"); code != 2 {
		t.Fatalf("expected exit 2 for missing file, got %d", code)
	}
	if code, _, _ := f.run(t, "rules", "delete"); code != 2 {
		t.Fatalf("expected exit 2 for delete without uuids, got %d", code)
	}
}

func TestUnreachableServiceFails(t *testing.T) {
	f := newFixture(t)
	var out, errOut bytes.Buffer
	code := NewRunner(&out, &errOut).Run(context.Background(), []string{
		"--config", f.config, "--address", "unix://" + filepath.Join(t.TempDir(), "missing.sock"), "status",
	})
	if code != 1 || !strings.Contains(errOut.String(), "connection error") {
		t.Fatalf("expected connection error, got exit %d: %s", code, errOut.String())
	}
}

func TestLogsRedactSecrets(t *testing.T) {
	f := newFixture(t)
	f.svc.Log(model.LogLevelInfo, "", "upstream auth password=hunter2 accepted")
	code, out, _ := f.run(t, "logs")
	if code != 0 {
		t.Fatalf("logs exit %d", code)
	}
	if strings.Contains(out, "hunter2") || !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected secret redacted:\n%s", out)
	}
}
