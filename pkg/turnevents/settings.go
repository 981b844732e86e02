package turnevents

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// SectionSlug is the glazed section turn event settings are decoded from.
const SectionSlug = "redis"

// Settings selects the event transport. Without Redis, events stay in process.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled"`
	Addr     string `glazed:"redis-addr"`
	Group    string `glazed:"redis-group"`
	Consumer string `glazed:"redis-consumer"`
}

func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis Streams transport for turn events",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Publish turn events to Redis Streams")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault("localhost:6379"), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault("grotto-tail"), fields.WithHelp("Redis consumer group used by subscribers")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault("tail-1"), fields.WithHelp("Redis consumer name used by subscribers")),
		),
	)
}
