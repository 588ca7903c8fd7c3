// Package rulexml converts rule sets to and from the XML document the
// service stores.
package rulexml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/g960059/tunnelctl/internal/model"
)

var ErrUnknownKind = errors.New("unknown rule kind")

type documentXML struct {
	XMLName  xml.Name     `xml:"ruleset"`
	Services []serviceXML `xml:"services>service"`
	Tunnels  []tunnelXML  `xml:"tunnels>tunnel"`
}

type ruleAttrs struct {
	UUID       string `xml:"uuid,attr"`
	Name       string `xml:"name,attr"`
	Enabled    bool   `xml:"enabled,attr"`
	Protocol   string `xml:"protocol,attr"`
	ListenAddr string `xml:"listen-addr,attr,omitempty"`
	ListenPort int    `xml:"listen-port,attr"`
}

type tunnelXML struct {
	ruleAttrs
	TargetHost string `xml:"target-host,attr"`
	TargetPort int    `xml:"target-port,attr"`
	Adapter    string `xml:"adapter,attr,omitempty"`
}

type serviceXML struct {
	ruleAttrs
	Auth    bool     `xml:"auth,attr"`
	Clients []string `xml:"client"`
}

// Marshal renders rs as an indented XML document.
func Marshal(rs model.RuleSet) (string, error) {
	doc := documentXML{}
	for _, r := range rs.All() {
		if err := r.Validate(); err != nil {
			return "", err
		}
		switch r.Kind {
		case model.KindService:
			doc.Services = append(doc.Services, serviceXML{
				ruleAttrs: attrsOf(r, r.Service.Protocol, r.Service.ListenAddr, r.Service.ListenPort),
				Auth:      r.Service.Auth,
				Clients:   r.Service.AllowedClients,
			})
		case model.KindTunnel:
			doc.Tunnels = append(doc.Tunnels, tunnelXML{
				ruleAttrs:  attrsOf(r, r.Tunnel.Protocol, r.Tunnel.ListenAddr, r.Tunnel.ListenPort),
				TargetHost: r.Tunnel.TargetHost,
				TargetPort: r.Tunnel.TargetPort,
				Adapter:    r.Tunnel.Adapter,
			})
		default:
			return "", fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
		}
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode ruleset xml: %w", err)
	}
	return xml.Header + string(out) + "\n", nil
}

// Unmarshal parses a rule set document. An empty document is an empty
// rule set.
func Unmarshal(data string) (model.RuleSet, error) {
	if strings.TrimSpace(data) == "" {
		return model.RuleSet{}, nil
	}
	var doc documentXML
	if err := xml.Unmarshal([]byte(data), &doc); err != nil {
		return model.RuleSet{}, fmt.Errorf("decode ruleset xml: %w", err)
	}
	var rs model.RuleSet
	for _, s := range doc.Services {
		r := model.NewServiceRule(s.UUID, s.Name, s.Enabled, model.ServiceConfig{
			Protocol:       model.Protocol(s.Protocol),
			ListenAddr:     s.ListenAddr,
			ListenPort:     s.ListenPort,
			Auth:           s.Auth,
			AllowedClients: s.Clients,
		})
		if err := r.Validate(); err != nil {
			return model.RuleSet{}, err
		}
		rs.Services = append(rs.Services, r)
	}
	for _, tn := range doc.Tunnels {
		r := model.NewTunnelRule(tn.UUID, tn.Name, tn.Enabled, model.TunnelConfig{
			Protocol:   model.Protocol(tn.Protocol),
			ListenAddr: tn.ListenAddr,
			ListenPort: tn.ListenPort,
			TargetHost: tn.TargetHost,
			TargetPort: tn.TargetPort,
			Adapter:    tn.Adapter,
		})
		if err := r.Validate(); err != nil {
			return model.RuleSet{}, err
		}
		rs.Tunnels = append(rs.Tunnels, r)
	}
	return rs, nil
}

func attrsOf(r model.Rule, proto model.Protocol, addr string, port int) ruleAttrs {
	return ruleAttrs{
		UUID:       r.UUID,
		Name:       r.Name,
		Enabled:    r.Enabled,
		Protocol:   string(proto),
		ListenAddr: addr,
		ListenPort: port,
	}
}
