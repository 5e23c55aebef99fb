// Package config loads the bridge's environment-driven settings table,
// trimmed from the teacher's file-backed configuration handler down to
// the environment-only surface this system needs.
package config

import (
	"fmt"
	"strings"
	"time"

	lib "github.com/spf13/viper"

	"github.com/homeiac/claude-mqtt-bridge/errors"
)

// StatusTopic is fixed, not configurable, and always retained.
const StatusTopic = "claude/home/status"

// Config holds every environment-driven setting the bridge reads at
// startup. Immutable once Load returns.
type Config struct {
	Enabled               bool   `mapstructure:"mqtt_enabled"`
	BrokerURL             string `mapstructure:"mqtt_broker_url"`
	CommandTopic          string `mapstructure:"mqtt_command_topic"`
	ResponseTopic         string `mapstructure:"mqtt_response_topic"`
	ApprovalRequestTopic  string `mapstructure:"mqtt_approval_request_topic"`
	ApprovalResponseTopic string `mapstructure:"mqtt_approval_response_topic"`
	ClientID              string `mapstructure:"mqtt_client_id"`
	Username              string `mapstructure:"mqtt_username"`
	Password              string `mapstructure:"mqtt_password"`
	ApprovalTimeoutMs     int    `mapstructure:"mqtt_approval_timeout"`

	// MetricsAddr, SentryDSN and OTELTracesExporter are not part of the
	// distilled spec's configuration table; they back the ambient
	// observability stack this expansion adds.
	MetricsAddr        string `mapstructure:"metrics_addr"`
	SentryDSN          string `mapstructure:"sentry_dsn"`
	OTELTracesExporter string `mapstructure:"otel_traces_exporter"`
}

// defaults mirrors the spec §6 table, plus the ambient-stack additions.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"mqtt_enabled":                 false,
		"mqtt_broker_url":              "mqtt://localhost:1883",
		"mqtt_command_topic":           "claude/command",
		"mqtt_response_topic":          "claude/home/response",
		"mqtt_approval_request_topic":  "claude/approval-request",
		"mqtt_approval_response_topic": "claude/approval-response",
		"mqtt_client_id":               fmt.Sprintf("claudecodeui-%d", time.Now().UnixMilli()),
		"mqtt_username":                "",
		"mqtt_password":                "",
		"mqtt_approval_timeout":        60000,
		"metrics_addr":                 ":9090",
		"sentry_dsn":                   "",
		"otel_traces_exporter":         "stdout",
	}
}

// Load reads every setting from the environment, falling back to its
// default when unset.
func Load() (*Config, error) {
	vp := lib.New()
	vp.AutomaticEnv()

	for key, def := range defaults() {
		vp.SetDefault(key, def)
		if err := vp.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, errors.Wrapf(err, "failed to bind environment variable %s", strings.ToUpper(key))
		}
	}

	cfg := &Config{}
	if err := vp.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	return cfg, nil
}
