package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// durationField 把 JSON 中的字符串字段解析进目标 Duration。
type durationField struct {
	name string
	raw  *string
	dst  *time.Duration
}

func parseDurations(fields ...durationField) error {
	for _, f := range fields {
		if f.raw == nil || *f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(*f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		JanitorInterval string `json:"janitor_interval"`
		ShutdownTimeout string `json:"shutdown_timeout"`
		*Alias
	}{Alias: (*Alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(
		durationField{"janitor_interval", &aux.JanitorInterval, &a.JanitorInterval},
		durationField{"shutdown_timeout", &aux.ShutdownTimeout, &a.ShutdownTimeout},
	)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		JanitorInterval string `json:"janitor_interval"`
		ShutdownTimeout string `json:"shutdown_timeout"`
		*Alias
	}{
		JanitorInterval: a.JanitorInterval.String(),
		ShutdownTimeout: a.ShutdownTimeout.String(),
		Alias:           (*Alias)(&a),
	})
}

func (g *GazetteerConfig) UnmarshalJSON(data []byte) error {
	type Alias GazetteerConfig
	aux := &struct {
		Timeout        string `json:"timeout"`
		RetryBaseDelay string `json:"retry_base_delay"`
		*Alias
	}{Alias: (*Alias)(g)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(
		durationField{"timeout", &aux.Timeout, &g.Timeout},
		durationField{"retry_base_delay", &aux.RetryBaseDelay, &g.RetryBaseDelay},
	)
}

func (i *IngestConfig) UnmarshalJSON(data []byte) error {
	type Alias IngestConfig
	aux := &struct {
		LockTTL string `json:"lock_ttl"`
		*Alias
	}{Alias: (*Alias)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(durationField{"lock_ttl", &aux.LockTTL, &i.LockTTL})
}

func (c *IntakeConfig) UnmarshalJSON(data []byte) error {
	type Alias IntakeConfig
	aux := &struct {
		BlockTime   string `json:"block_time"`
		PendingIdle string `json:"pending_idle"`
		*Alias
	}{Alias: (*Alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(
		durationField{"block_time", &aux.BlockTime, &c.BlockTime},
		durationField{"pending_idle", &aux.PendingIdle, &c.PendingIdle},
	)
}

func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL string `json:"token_ttl"`
		*Alias
	}{Alias: (*Alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(durationField{"token_ttl", &aux.TokenTTL, &s.TokenTTL})
}
