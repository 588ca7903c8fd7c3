package rulexml

import (
	"errors"
	"strings"
	"testing"

	"github.com/g960059/tunnelctl/internal/model"
)

func TestMarshalEmitsServicesBeforeTunnels(t *testing.T) {
	rs := model.RuleSet{}
	rs.Add(model.NewTunnelRule("t-1", "db", true, model.TunnelConfig{Protocol: model.ProtocolTCP, ListenPort: 5432, TargetHost: "10.0.0.5", TargetPort: 5432}))
	rs.Add(model.NewServiceRule("s-1", "socks", false, model.ServiceConfig{Protocol: model.ProtocolSOCKS, ListenPort: 1080, Auth: true, AllowedClients: []string{"10.0.0.0/8"}}))

	out, err := Marshal(rs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	svc := strings.Index(out, "<services>")
	tun := strings.Index(out, "<tunnels>")
	if svc < 0 || tun < 0 || svc > tun {
		t.Fatalf("expected services section before tunnels, got:\n%s", out)
	}
	if !strings.Contains(out, `<client>10.0.0.0/8</client>`) {
		t.Fatalf("expected allowed client element, got:\n%s", out)
	}

	back, err := Unmarshal(out)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Services) != 1 || len(back.Tunnels) != 1 {
		t.Fatalf("unexpected round trip sizes: %+v", back)
	}
	if back.Tunnels[0].Tunnel.TargetHost != "10.0.0.5" || !back.Services[0].Service.Auth {
		t.Fatalf("payload lost in round trip: %+v", back)
	}
}

func TestUnmarshalEmptyDocument(t *testing.T) {
	rs, err := Unmarshal("   ")
	if err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if rs.Len() != 0 {
		t.Fatalf("expected empty rule set, got %d rules", rs.Len())
	}
}

func TestUnmarshalRejectsMissingUUID(t *testing.T) {
	_, err := Unmarshal(`<ruleset><tunnels><tunnel name="x" protocol="tcp" listen-port="1" target-host="h" target-port="2"/></tunnels></ruleset>`)
	if err == nil || !strings.Contains(err.Error(), "uuid is required") {
		t.Fatalf("expected uuid validation error, got %v", err)
	}
}

func TestMarshalRejectsUnknownKind(t *testing.T) {
	rs := model.RuleSet{Tunnels: []model.Rule{{UUID: "x", Kind: "bridge"}}}
	_, err := Marshal(rs)
	if err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if errors.Is(err, ErrUnknownKind) {
		return
	}
	if !strings.Contains(err.Error(), "unsupported kind") {
		t.Fatalf("unexpected error: %v", err)
	}
}
