package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vrlp.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "vrlp.toml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Link != "tcp://127.0.0.1:9000" {
		t.Fatalf("unexpected link: %q", cfg.Link)
	}
	if cfg.MTU != 1024 || !cfg.Sync || cfg.Chunk != 40 {
		t.Fatalf("unexpected packetizer settings: %+v", cfg)
	}
	if cfg.MaxPacketBytes != Default().MaxPacketBytes || cfg.ReadSize != Default().ReadSize {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if cfg.StatsInterval != 2*time.Second {
		t.Fatalf("unexpected stats interval: %v", cfg.StatsInterval)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0] != "stun:stun.example.org:3478" {
		t.Fatalf("unexpected ice servers: %+v", cfg.ICEServers)
	}
	if cfg.ItemSize(1) != 8 || cfg.ItemSize(7) != 4 {
		t.Fatalf("unexpected item sizes: %+v", cfg.Channels)
	}

	d := cfg.Depacketizer(false)
	if !d.Recover {
		t.Fatal("chunked sends must force recovery")
	}
	if len(d.ItemSizes) != 2 || d.ItemSizes[0] != 4 {
		t.Fatalf("unexpected receiver item sizes: %+v", d.ItemSizes)
	}
	if p := cfg.Packetizer(); p.MTU != 1024 || !p.Sync {
		t.Fatalf("unexpected packetizer config: %+v", p)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MTU != Default().MTU || cfg.ItemSizes() != nil {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Depacketizer(false).Recover {
		t.Fatal("recovery forced without reason")
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "mtuu = 100\n", "unknown key"},
		{"bad duration", "stats_interval = \"soon\"\n", "stats_interval"},
		{"tiny mtu", "mtu = 20\n", "mtu 20"},
		{"mtu over ceiling", "mtu = 4096\nmax_packet_bytes = 2048\n", "exceeds max_packet_bytes"},
		{"zero item size", "[[channel]]\nid = 2\nitem_size = 0\n", "item_size 0"},
		{"duplicate channel", "[[channel]]\nid = 1\nitem_size = 4\n[[channel]]\nid = 1\nitem_size = 2\n", "listed twice"},
		{"syntax", "mtu = \n", "load config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
