package cmds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grotto/pkg/controller"
)

func TestBotSettings_ControllerConfig(t *testing.T) {
	s := BotSettings{
		StartID:         "1389744120311160999",
		BatchSize:       5,
		PollInterval:    30,
		DispatchTimeout: 12,
		MaxLength:       140,
		Numbering:       true,
		Salutation:      true,
	}
	cfg, err := s.controllerConfig("grotto")
	require.NoError(t, err)
	require.Equal(t, int64(1389744120311160999), cfg.StartID)
	require.Equal(t, 30*time.Second, cfg.PollInterval)
	require.Equal(t, 12*time.Second, cfg.DispatchTimeout)
	require.Equal(t, "grotto", cfg.BotHandle)

	s.StartID = ""
	cfg, err = s.controllerConfig("grotto")
	require.NoError(t, err)
	require.Equal(t, controller.DefaultStartID, cfg.StartID)

	s.StartID = "not-a-number"
	_, err = s.controllerConfig("grotto")
	require.Error(t, err)
}

func TestBotSettings_Engine(t *testing.T) {
	eng, err := BotSettings{}.engine()
	require.NoError(t, err)
	_, out, err := eng.Start()
	require.NoError(t, err)
	require.Contains(t, out, "end of a road")

	_, err = BotSettings{World: "/does/not/exist.yaml"}.engine()
	require.Error(t, err)
}

func TestCommandsBuild(t *testing.T) {
	_, err := NewRunCommand()
	require.NoError(t, err)
	_, err = NewAnnounceCommand()
	require.NoError(t, err)
	_, err = NewPlayCommand()
	require.NoError(t, err)
	_, err = NewSplitCommand()
	require.NoError(t, err)
	_, err = NewSessionsListCommand()
	require.NoError(t, err)
	_, err = NewSessionsLineageCommand()
	require.NoError(t, err)
	_, err = NewEventsTailCommand()
	require.NoError(t, err)
}
