// Package config loads the vrlp command configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/vrlp/internal/depacketizer"
	"github.com/1ureka/vrlp/internal/packetizer"
	"github.com/1ureka/vrlp/internal/protocol"
)

// Channel describes one stream id.
type Channel struct {
	ID       uint32
	ItemSize int
}

// Config holds every setting the send and recv commands use.
type Config struct {
	Link           string        // link URL, see cmd/vrlp
	MTU            int           // max bytes per stream packet
	MaxPacketBytes int           // largest packet a receiver accepts
	Sync           bool          // consume equal item counts from every channel
	Recover        bool          // force recovery on datagram links
	Chunk          int           // re-slice outgoing packets into deliveries of this many bytes
	ReadSize       int           // bytes read from each input file per pass
	StatsInterval  time.Duration // 0 disables the periodic stats reporter
	ICEServers     []string      // STUN/TURN URLs for webrtc links, nil for defaults
	Channels       []Channel
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MTU:            packetizer.DefaultMTU,
		MaxPacketBytes: protocol.DefaultMaxPacketBytes,
		ReadSize:       64 * 1024,
		StatsInterval:  10 * time.Second,
	}
}

type fileConfig struct {
	Link           string        `toml:"link"`
	MTU            int           `toml:"mtu"`
	MaxPacketBytes int           `toml:"max_packet_bytes"`
	Sync           bool          `toml:"sync"`
	Recover        bool          `toml:"recover"`
	Chunk          int           `toml:"chunk"`
	ReadSize       int           `toml:"read_size"`
	StatsInterval  string        `toml:"stats_interval"`
	ICEServers     []string      `toml:"ice_servers"`
	Channels       []fileChannel `toml:"channel"`
}

type fileChannel struct {
	ID       uint32 `toml:"id"`
	ItemSize int    `toml:"item_size"`
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("link") {
		cfg.Link = strings.TrimSpace(raw.Link)
	}
	if meta.IsDefined("mtu") {
		cfg.MTU = raw.MTU
	}
	if meta.IsDefined("max_packet_bytes") {
		cfg.MaxPacketBytes = raw.MaxPacketBytes
	}
	if meta.IsDefined("sync") {
		cfg.Sync = raw.Sync
	}
	if meta.IsDefined("recover") {
		cfg.Recover = raw.Recover
	}
	if meta.IsDefined("chunk") {
		cfg.Chunk = raw.Chunk
	}
	if meta.IsDefined("read_size") {
		cfg.ReadSize = raw.ReadSize
	}
	if meta.IsDefined("stats_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StatsInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse stats_interval: %w", err)
		}
		cfg.StatsInterval = d
	}
	if meta.IsDefined("ice_servers") {
		cfg.ICEServers = normalizeList(raw.ICEServers)
	}
	for _, ch := range raw.Channels {
		cfg.Channels = append(cfg.Channels, Channel{ID: ch.ID, ItemSize: ch.ItemSize})
	}

	return cfg, cfg.Validate()
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.MTU < protocol.MinPacketBytes+protocol.WordSize {
		errs = append(errs, fmt.Errorf("mtu %d is below the smallest stream packet", c.MTU))
	}
	if c.MaxPacketBytes < protocol.MinPacketBytes || c.MaxPacketBytes > protocol.MaxTotalWords*protocol.WordSize {
		errs = append(errs, fmt.Errorf("max_packet_bytes %d out of range", c.MaxPacketBytes))
	}
	if c.MTU > c.MaxPacketBytes {
		errs = append(errs, fmt.Errorf("mtu %d exceeds max_packet_bytes %d", c.MTU, c.MaxPacketBytes))
	}
	if c.Chunk < 0 {
		errs = append(errs, fmt.Errorf("chunk %d is negative", c.Chunk))
	}
	if c.ReadSize <= 0 {
		errs = append(errs, fmt.Errorf("read_size %d must be positive", c.ReadSize))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("stats_interval %s is negative", c.StatsInterval))
	}

	seen := make(map[uint32]bool)
	for _, ch := range c.Channels {
		if ch.ItemSize <= 0 {
			errs = append(errs, fmt.Errorf("channel %d: item_size %d must be positive", ch.ID, ch.ItemSize))
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("channel %d listed twice", ch.ID))
		}
		seen[ch.ID] = true
	}
	return errors.Join(errs...)
}

// ItemSize returns the item size configured for stream sid.
func (c Config) ItemSize(sid uint32) int {
	for _, ch := range c.Channels {
		if ch.ID == sid {
			return ch.ItemSize
		}
	}
	return depacketizer.DefaultItemSize
}

// ItemSizes returns the receiver's stream id map, or nil when no channels
// are configured so every stream id is accepted.
func (c Config) ItemSizes() map[uint32]int {
	if len(c.Channels) == 0 {
		return nil
	}
	m := make(map[uint32]int, len(c.Channels))
	for _, ch := range c.Channels {
		m[ch.ID] = ch.ItemSize
	}
	return m
}

// Depacketizer returns receiver settings for a link that does (or does not)
// need recovery.
func (c Config) Depacketizer(linkRecovers bool) depacketizer.Config {
	return depacketizer.Config{
		Recover:        linkRecovers || c.Recover || c.Chunk > 0,
		MaxPacketBytes: c.MaxPacketBytes,
		ItemSizes:      c.ItemSizes(),
	}
}

// Packetizer returns sender settings.
func (c Config) Packetizer() packetizer.Config {
	return packetizer.Config{MTU: c.MTU, MaxPacketBytes: c.MaxPacketBytes, Sync: c.Sync}
}
