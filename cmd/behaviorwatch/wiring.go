package main

import (
	"fmt"
	"strings"

	"behaviorwatch/config"
	"behaviorwatch/internal/analyzer"
	"behaviorwatch/internal/engine"
	inputamqp "behaviorwatch/internal/input/amqp"
	inputredis "behaviorwatch/internal/input/redis"
	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/notify"
	"behaviorwatch/internal/output/alertclickhouse"
	"behaviorwatch/internal/output/alerthttp"
	"behaviorwatch/internal/output/alertjson"
	"behaviorwatch/internal/pipeline"
	"behaviorwatch/internal/rules"
	"behaviorwatch/pkg/models"
)

func loadRuleSet(cfg config.RulesConfig) (*rules.RuleSet, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		logger.Warnf("rules.path is empty; alerts will be stored but never routed")
		return &rules.RuleSet{}, nil
	}
	set, err := rules.LoadRuleSet(cfg.Path)
	if err != nil {
		return nil, err
	}
	logger.Infof("Alert rules loaded: rules=%d channels=%d", len(set.Rules), len(set.Channels))
	return set, nil
}

// buildDispatcher registers a sender for every channel type in use. The
// returned func releases sender resources after the dispatcher stops.
func buildDispatcher(cfg config.NotifyConfig, set *rules.RuleSet) (*notify.Dispatcher, func(), error) {
	d := notify.New(notify.Config{
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		CriticalChannel: cfg.CriticalChannel,
	}, set.Channels)

	used := map[models.ChannelType]bool{}
	for _, ch := range set.Channels {
		if ch.Enabled {
			used[ch.Type] = true
		}
	}

	closeFn := func() {}
	if used[models.ChannelEmail] {
		smtp, err := notify.NewSMTPSender(notify.SMTPConfig{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("email channels configured: %w", err)
		}
		d.Register(models.ChannelEmail, smtp)
	}

	httpSender := notify.NewHTTPSender(nil)
	d.Register(models.ChannelWebhook, httpSender)
	d.Register(models.ChannelSMS, httpSender)
	d.Register(models.ChannelPush, httpSender)

	if used[models.ChannelWebSocket] {
		if !cfg.Broadcast.Enabled {
			logger.Warnf("websocket channels configured but notify.broadcast is disabled; they will fail")
		} else {
			b, err := notify.NewRedisBroadcaster(cfg.Broadcast.Addr, "", cfg.Broadcast.Channel)
			if err != nil {
				return nil, nil, err
			}
			d.Register(models.ChannelWebSocket, notify.BroadcastSender{B: b})
			closeFn = func() { b.Close() }
			logger.Infof("Broadcasting alerts to redis channel %s", cfg.Broadcast.Channel)
		}
	}
	return d, closeFn, nil
}

func buildSignalDetector(cfg config.SignalsConfig) (rules.SignalDetector, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		logger.Warnf("Signals enabled but signals.path is empty; signal tagging disabled")
		return nil, nil
	}
	eng, stats, err := rules.NewSigmaEngine(rules.SigmaConfig{
		Path:      cfg.Path,
		Sources:   cfg.Sources,
		AlertType: models.AlertType(cfg.AlertType),
		Source:    cfg.Source,
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logger.Fields{
		"files":    stats.Files,
		"loaded":   stats.Loaded,
		"products": stats.Products,
		"skipped":  stats.Skipped,
	}).Info("Sigma rules loaded")
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; signal tagging is effectively disabled")
	}
	return eng, nil
}

func buildJournal(cfg config.JournalConfig) (*pipeline.AlertJournal, error) {
	var w pipeline.AlertWriter
	switch cfg.Mode {
	case "none", "":
		return nil, nil
	case "file":
		fw, err := alertjson.NewWriter(cfg.File.Path, cfg.File.MaxBytes)
		if err != nil {
			return nil, err
		}
		w = fw
		logger.Infof("Alert journal mode: file (%s)", cfg.File.Path)
	case "http":
		hw, err := alerthttp.NewWriter(alerthttp.Config{
			URL:     cfg.HTTP.URL,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
			Gzip:    cfg.HTTP.Gzip,
		})
		if err != nil {
			return nil, err
		}
		w = hw
		logger.Infof("Alert journal mode: http (%s)", cfg.HTTP.URL)
	case "clickhouse":
		cw, err := alertclickhouse.NewWriter(alertclickhouse.Config{
			URL:      cfg.ClickHouse.URL,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Timeout:  cfg.ClickHouse.Timeout,
			Headers:  cfg.ClickHouse.Headers,
		})
		if err != nil {
			return nil, err
		}
		w = cw
		logger.Infof("Alert journal mode: clickhouse (%s/%s.%s)", cfg.ClickHouse.URL, cfg.ClickHouse.Database, cfg.ClickHouse.Table)
	default:
		return nil, fmt.Errorf("unknown alert journal mode: %s", cfg.Mode)
	}
	return pipeline.NewAlertJournal(w, cfg.BufferSize, cfg.BatchSize, cfg.FlushInterval), nil
}

func buildSource(cfg config.InputConfig) (pipeline.Source, error) {
	switch cfg.Mode {
	case "redis":
		return inputredis.NewConsumer(inputredis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			ActivityKey:  cfg.Redis.ActivityKey,
			SignalKey:    cfg.Redis.SignalKey,
			BlockTimeout: cfg.Redis.BlockTimeout,
		})
	case "amqp":
		return inputamqp.NewConsumer(inputamqp.Config{
			URL:           cfg.AMQP.URL,
			ActivityQueue: cfg.AMQP.ActivityQueue,
			SignalQueue:   cfg.AMQP.SignalQueue,
			Prefetch:      cfg.AMQP.Prefetch,
			BlockTimeout:  cfg.AMQP.BlockTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown input mode: %s", cfg.Mode)
	}
}

func engineConfig(bw config.BehaviorWatchConfig) engine.Config {
	return engine.Config{
		AnalysisInterval: bw.Analysis.Interval,
		AnalysisWorkers:  bw.Analysis.Workers,
		Retention:        bw.Analysis.Retention,
		DedupeWindow:     bw.Analysis.DedupeWindow,
		RecentCapacity:   bw.Analysis.RecentCapacity,
		LogCapacity:      bw.Analysis.LogCapacity,
		MaxAlerts:        bw.Alerts.MaxAlerts,
	}
}

// buildDetector overrides the default thresholds with whatever is set.
func buildDetector(cfg config.AnalysisConfig) *analyzer.Detector {
	dc := analyzer.DefaultConfig()
	if cfg.LoginHourTolerance > 0 {
		dc.LoginHourTolerance = cfg.LoginHourTolerance
	}
	if cfg.DeviceSimilarity > 0 {
		dc.DeviceSimilarity = cfg.DeviceSimilarity
	}
	if cfg.APIRateHigh > 0 {
		dc.APIRateHigh = cfg.APIRateHigh
	}
	if cfg.APIRateCritical > 0 {
		dc.APIRateCritical = cfg.APIRateCritical
	}
	if cfg.LargeTransferBytes > 0 {
		dc.LargeTransferBytes = cfg.LargeTransferBytes
	}
	if cfg.LargeTransferCount > 0 {
		dc.LargeTransferCount = cfg.LargeTransferCount
	}
	if len(cfg.SensitiveKeywords) > 0 {
		dc.SensitiveKeywords = cfg.SensitiveKeywords
	}
	return analyzer.NewDetector(dc)
}
