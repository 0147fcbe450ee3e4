package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	_ "time/tzdata"

	"behaviorwatch/config"
	"behaviorwatch/internal/engine"
	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/opsserver"
	"behaviorwatch/internal/pipeline"
	"behaviorwatch/internal/profilestate"
	"behaviorwatch/internal/rules"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("behaviorwatch.yml"); err == nil {
		return "behaviorwatch.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "behaviorwatch.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "behaviorwatch.yml"
}

func loadConfig(args []string) (*config.Config, string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg, configPath
}

func runService(args []string) {
	cfg, configPath := loadConfig(args)
	bw := cfg.BehaviorWatch

	if err := logger.Init(bw.Logging.Enabled, bw.Logging.Level, bw.Logging.File, bw.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("BehaviorWatch starting")
	logger.Infof("Config loaded from: %s", configPath)

	ruleSet, err := loadRuleSet(bw.Rules)
	if err != nil {
		logger.Errorf("Failed to load alert rules: %v", err)
		log.Fatalf("Failed to load alert rules: %v", err)
	}

	dispatcher, closeNotify, err := buildDispatcher(bw.Notify, ruleSet)
	if err != nil {
		logger.Errorf("Failed to create notification dispatcher: %v", err)
		log.Fatalf("Failed to create notification dispatcher: %v", err)
	}
	defer closeNotify()

	signals, err := buildSignalDetector(bw.Signals)
	if err != nil {
		logger.Errorf("Failed to load Sigma rules: %v", err)
		log.Fatalf("Failed to load Sigma rules: %v", err)
	}

	var snapshots engine.SnapshotWriter
	if bw.State.Enabled {
		store, err := profilestate.NewRedisStore(profilestate.RedisConfig{
			Addr:      bw.State.Addr,
			Password:  bw.State.Password,
			DB:        bw.State.DB,
			KeyPrefix: bw.State.KeyPrefix,
			TTL:       bw.State.TTL,
		})
		if err != nil {
			logger.Errorf("Failed to create profile-state store: %v", err)
			log.Fatalf("Failed to create profile-state store: %v", err)
		}
		defer store.Close()
		snapshots = store
		logger.Infof("Profile snapshots enabled: %s (%s)", bw.State.Addr, bw.State.KeyPrefix)
	}

	eng, err := engine.New(engineConfig(bw), engine.Options{
		Detector:  buildDetector(bw.Analysis),
		RuleSet:   ruleSet,
		Notifier:  dispatcher,
		Signals:   signals,
		Snapshots: snapshots,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	journal, err := buildJournal(bw.Alerts.Journal)
	if err != nil {
		logger.Errorf("Failed to create alert journal: %v", err)
		log.Fatalf("Failed to create alert journal: %v", err)
	}

	source, err := buildSource(bw.Input)
	if err != nil {
		logger.Errorf("Failed to create %s consumer: %v", bw.Input.Mode, err)
		log.Fatalf("Failed to create %s consumer: %v", bw.Input.Mode, err)
	}
	ingest := pipeline.NewIngestPipeline(source, eng, bw.Pipeline.Workers, func(err error) bool {
		return errors.Is(err, engine.ErrClosed)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sends drain after shutdown starts, so they do not share ctx.
	if err := dispatcher.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}

	var journalWG sync.WaitGroup
	if journal != nil {
		eng.OnAlertCreated(journal.Created)
		eng.OnAlertEscalated(journal.Escalated)
		journalWG.Add(1)
		go func() {
			defer journalWG.Done()
			journal.Run(context.Background())
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Analysis loop error: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := ingest.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Pipeline error: %v", err)
		}
	}()

	if bw.Metrics.Enabled {
		ops := opsserver.New(bw.Metrics.Listen, eng.Healthy)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ops.Run(ctx); err != nil {
				logger.Errorf("Ops server error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Infof("Shutting down")
	wg.Wait()

	if err := ingest.Close(); err != nil {
		logger.Errorf("Error closing consumer: %v", err)
	}
	dispatcher.Stop()
	if journal != nil {
		if err := journal.Close(); err != nil {
			logger.Errorf("Error closing alert journal: %v", err)
		}
		journalWG.Wait()
	}

	logger.Infof("BehaviorWatch stopped")
}

// runCheck validates the config, rule set and Sigma rules without connecting anywhere.
func runCheck(args []string) int {
	cfg, configPath := loadConfig(args)
	bw := cfg.BehaviorWatch
	logger.InitWriter(os.Stderr, bw.Logging.Level)

	ruleSet, err := loadRuleSet(bw.Rules)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "%s: %d problem(s)\n", bw.Rules.Path, len(verr.Problems))
			for _, p := range verr.Problems {
				fmt.Fprintf(os.Stderr, "  - %v\n", p)
			}
			return 1
		}
		fmt.Fprintf(os.Stderr, "failed to load rules: %v\n", err)
		return 1
	}

	sigmaLoaded := 0
	if bw.Signals.Enabled {
		det, err := buildSignalDetector(bw.Signals)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load sigma rules: %v\n", err)
			return 1
		}
		if se, ok := det.(*rules.SigmaEngine); ok {
			sigmaLoaded = se.Len()
		}
	}

	fmt.Printf("config=%s input=%s channels=%d rules=%d sigma_rules=%d journal=%s\n",
		configPath, bw.Input.Mode, len(ruleSet.Channels), len(ruleSet.Rules), sigmaLoaded, bw.Alerts.Journal.Mode)
	return 0
}

// runTop prints the riskiest subjects from the last published snapshot.
func runTop(args []string) int {
	var limit int64 = 20
	if len(args) > 1 {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "invalid limit %q\n", args[1])
			return 2
		}
		limit = n
	}
	cfg, _ := loadConfig(args)
	st := cfg.BehaviorWatch.State

	store, err := profilestate.NewRedisStore(profilestate.RedisConfig{
		Addr:      st.Addr,
		Password:  st.Password,
		DB:        st.DB,
		KeyPrefix: st.KeyPrefix,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to profile-state: %v\n", err)
		return 1
	}
	defer store.Close()

	rows, err := store.TopRisk(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	for _, r := range rows {
		last := "-"
		if !r.LastActivity.IsZero() {
			last = r.LastActivity.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-32s risk=%3d open=%d last=%s\n", r.SubjectID, r.RiskScore, r.OpenAnomalies, last)
	}
	return 0
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runService(os.Args[2:])
			return
		case "check":
			os.Exit(runCheck(os.Args[2:]))
		case "top":
			os.Exit(runTop(os.Args[2:]))
		default:
			// First arg is a config path.
			runService(os.Args[1:])
			return
		}
	}

	runService(nil)
}
