package models

import "time"

// ChannelType is a notification transport.
type ChannelType string

const (
	ChannelEmail     ChannelType = "email"
	ChannelSMS       ChannelType = "sms"
	ChannelPush      ChannelType = "push"
	ChannelWebhook   ChannelType = "webhook"
	ChannelWebSocket ChannelType = "websocket"
	ChannelLog       ChannelType = "log"
)

// NotificationChannel is channel configuration, not runtime state.
type NotificationChannel struct {
	ID       string        `yaml:"id" json:"id"`
	Type     ChannelType   `yaml:"type" json:"type"`
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Priority int           `yaml:"priority" json:"priority"`
	Config   ChannelConfig `yaml:"config" json:"config"`
}

// ChannelConfig is the per-type transport configuration.
type ChannelConfig struct {
	Recipients []string          `yaml:"recipients" json:"recipients,omitempty"`
	URL        string            `yaml:"url" json:"url,omitempty"`
	Method     string            `yaml:"method" json:"method,omitempty"`
	Template   string            `yaml:"template" json:"template,omitempty"`
	Headers    map[string]string `yaml:"headers" json:"headers,omitempty"`
	Timeout    time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
}
