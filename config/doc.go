// Package config loads convai-twilio configuration.
//
// Configuration is a YAML file with environment variable expansion:
//
//	twilio:
//	  account_sid: "${TWILIO_ACCOUNT_SID}"
//	  auth_token: "${TWILIO_AUTH_TOKEN}"
//
// Durations use time.ParseDuration syntax ("15s", "30m").
//
// Agents are registered under logical keys. The transfer section names which
// key plays which role:
//
//	agents:
//	  assessment:
//	    agent_id: "agent_..."
//	    phone_number: "+15550000001"
//	  warm_transfer:
//	    agent_id: "agent_..."
//	    phone_number: "+15550000002"
//	  wait_management:
//	    agent_id: "agent_..."
//	    phone_number: "+15550000003"
//
//	transfer:
//	  assessment_agent: assessment
//	  warm_transfer_agent: warm_transfer
//	  wait_management_agent: wait_management
//	  target_number: "+15559999999"
//	  max_retries: 1
//	  ring_timeout: "15s"
//
// Load applies defaults and validates the result.
package config
