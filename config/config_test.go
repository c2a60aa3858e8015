package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
server:
  addr: ":9000"
  public_url: "https://voice.example.com/"
  shutdown_grace: "3s"

twilio:
  account_sid: "${TEST_TWILIO_SID}"
  auth_token: "${TEST_TWILIO_TOKEN}"

elevenlabs:
  api_key: "xi-key"
  webhook_secret: "whsec"
  webhook_tolerance: "10m"

agents:
  assessment:
    agent_id: "agent_a"
    phone_number: "+15550000001"
  warm_transfer:
    agent_id: "agent_w"
    phone_number: "+15550000002"
  wait_management:
    agent_id: "agent_m"
    phone_number: "+15550000003"

transfer:
  assessment_agent: assessment
  warm_transfer_agent: warm_transfer
  wait_management_agent: wait_management
  target_number: "+15559999999"
  max_retries: 3
  ring_timeout: "20s"

bridge:
  outbound_queue_size: 64
  close_grace: "2s"

logging:
  level: debug
  format: json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("TEST_TWILIO_SID", "AC123")
	t.Setenv("TEST_TWILIO_TOKEN", "secret")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "https://voice.example.com", cfg.Server.PublicURL)
	assert.Equal(t, "wss://voice.example.com", cfg.Server.PublicWSURL)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownGrace)

	assert.Equal(t, "AC123", cfg.Twilio.AccountSID)
	assert.Equal(t, "secret", cfg.Twilio.AuthToken)
	assert.True(t, cfg.Twilio.SignaturesEnabled())

	assert.Equal(t, 10*time.Minute, cfg.ElevenLabs.WebhookTolerance)

	agent, ok := cfg.Agent("warm_transfer")
	require.True(t, ok)
	assert.Equal(t, "agent_w", agent.AgentID)

	assert.True(t, cfg.Transfer.Enabled())
	assert.Equal(t, 3, cfg.Transfer.Retries())
	assert.Equal(t, 20*time.Second, cfg.Transfer.RingTimeout)

	assert.Equal(t, 64, cfg.Bridge.OutboundQueueSize)
	assert.Equal(t, DefaultQueueSize, cfg.Bridge.EventQueueSize)
	assert.Equal(t, 2*time.Second, cfg.Bridge.CloseGrace)
	assert.Equal(t, DefaultPendingTTL, cfg.Bridge.PendingTTL)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  public_url: "https://voice.example.com"
twilio:
  account_sid: AC1
  auth_token: tok
  validate_signatures: false
agents:
  assessment:
    agent_id: agent_a
transfer:
  assessment_agent: assessment
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultShutdownGrace, cfg.Server.ShutdownGrace)
	assert.Equal(t, DefaultWebhookTolerance, cfg.ElevenLabs.WebhookTolerance)
	assert.Equal(t, DefaultRingTimeout, cfg.Transfer.RingTimeout)
	assert.Equal(t, DefaultMaxRetries, cfg.Transfer.Retries())
	assert.False(t, cfg.Transfer.Enabled())
	assert.False(t, cfg.Twilio.SignaturesEnabled())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParse_ZeroRetriesIsKept(t *testing.T) {
	cfg, err := Parse([]byte(`
server: {public_url: "https://x"}
twilio: {account_sid: AC1, auth_token: tok}
agents: {assessment: {agent_id: a}}
transfer: {assessment_agent: assessment, max_retries: 0}
`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Transfer.Retries())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", `server: [`},
		{"bad duration", `
server: {public_url: "https://x", shutdown_grace: "soon"}
twilio: {account_sid: AC1, auth_token: tok}
agents: {assessment: {agent_id: a}}
transfer: {assessment_agent: assessment}
`},
		{"missing public url", `
twilio: {account_sid: AC1, auth_token: tok}
agents: {assessment: {agent_id: a}}
transfer: {assessment_agent: assessment}
`},
		{"missing twilio credentials", `
server: {public_url: "https://x"}
agents: {assessment: {agent_id: a}}
transfer: {assessment_agent: assessment}
`},
		{"no agents", `
server: {public_url: "https://x"}
twilio: {account_sid: AC1, auth_token: tok}
transfer: {assessment_agent: assessment}
`},
		{"agent without id", `
server: {public_url: "https://x"}
twilio: {account_sid: AC1, auth_token: tok}
agents: {assessment: {phone_number: "+1"}}
transfer: {assessment_agent: assessment}
`},
		{"unknown transfer agent", `
server: {public_url: "https://x"}
twilio: {account_sid: AC1, auth_token: tok}
agents: {assessment: {agent_id: a}}
transfer: {assessment_agent: assessment, wait_management_agent: nope}
`},
		{"transfer without webhook secret", `
server: {public_url: "https://x"}
twilio: {account_sid: AC1, auth_token: tok}
agents: {assessment: {agent_id: a}, warm: {agent_id: w, phone_number: "+1"}}
transfer: {assessment_agent: assessment, warm_transfer_agent: warm, target_number: "+2"}
`},
		{"negative retries", `
server: {public_url: "https://x"}
twilio: {account_sid: AC1, auth_token: tok}
agents: {assessment: {agent_id: a}}
transfer: {assessment_agent: assessment, max_retries: -1}
`},
		{"bad log format", `
server: {public_url: "https://x"}
twilio: {account_sid: AC1, auth_token: tok}
agents: {assessment: {agent_id: a}}
transfer: {assessment_agent: assessment}
logging: {format: xml}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CONVAI_TEST_VAR", "value")
	assert.Equal(t, "a: value, b: ", expandEnvVars("a: ${CONVAI_TEST_VAR}, b: ${CONVAI_TEST_UNSET}"))
}
