package controller

import (
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/grotto/pkg/chunker"
)

const (
	DefaultStartID      int64 = 1389744120311160838
	DefaultBatchSize          = 20
	DefaultPollInterval       = 10 * time.Second
)

// Config is everything the controller needs from the outside world besides its collaborators.
type Config struct {
	// StartID is the watermark used when none has been persisted yet.
	StartID int64
	// BatchSize caps how many polled messages one cycle processes; the rest wait for the next cycle.
	BatchSize    int
	PollInterval time.Duration
	MaxLength    int
	Numbering    bool
	// Salutation prefixes responses with "@actor ".
	Salutation bool
	// DispatchTimeout bounds one polling cycle; 0 disables it.
	DispatchTimeout time.Duration
	// BotHandle identifies the bot's own messages, which are observed but never answered.
	BotHandle string
}

func DefaultConfig() Config {
	return Config{
		StartID:      DefaultStartID,
		BatchSize:    DefaultBatchSize,
		PollInterval: DefaultPollInterval,
		MaxLength:    chunker.DefaultMaxLength,
		Numbering:    true,
	}
}

func (c Config) validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("controller: batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxLength <= 0 {
		return errors.Errorf("controller: max length must be positive, got %d", c.MaxLength)
	}
	if c.PollInterval < 0 || c.DispatchTimeout < 0 {
		return errors.New("controller: durations must not be negative")
	}
	return nil
}
