package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/metrics"
	"behaviorwatch/pkg/models"
)

// SnapshotWriter publishes per-subject risk summaries after each full pass.
type SnapshotWriter interface {
	WriteProfiles(ctx context.Context, rows []models.SubjectRisk) error
}

// PassResult summarizes one full analysis pass.
type PassResult struct {
	Subjects         int
	Anomalies        int
	Alerts           int
	Failures         int
	PurgedActivities int
	PurgedAnomalies  int
	Duration         time.Duration
}

// Run drives periodic analysis until ctx is done, then closes the engine.
// Immediate analyses requested by high-risk activity are served between passes.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.cfg.AnalysisInterval)
	defer ticker.Stop()
	logger.Infof("Analysis driver started: interval=%s retention=%s", e.cfg.AnalysisInterval, e.cfg.Retention)

	for {
		select {
		case <-ctx.Done():
			e.Close()
			logger.Infof("Analysis driver stopped")
			return nil
		case <-ticker.C:
			e.AnalyzeAll(ctx)
		case <-e.triggerCh:
			e.AnalyzePending()
		}
	}
}

func (e *Engine) trigger(subjectID string) {
	e.pendingMu.Lock()
	e.pending[subjectID] = struct{}{}
	e.pendingMu.Unlock()
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// AnalyzePending analyzes every subject queued by high-risk activity and returns how many ran.
func (e *Engine) AnalyzePending() int {
	e.pendingMu.Lock()
	subjects := make([]string, 0, len(e.pending))
	for id := range e.pending {
		subjects = append(subjects, id)
	}
	e.pending = make(map[string]struct{})
	e.pendingMu.Unlock()

	sort.Strings(subjects)
	for _, id := range subjects {
		if _, err := e.AnalyzeSubject(id); err != nil {
			logger.Errorf("immediate analysis of subject %s failed: %v", id, err)
		}
	}
	return len(subjects)
}

// AnalyzeAll analyzes every subject on AnalysisWorkers goroutines, purges
// expired data and publishes snapshots. A failure on one subject is logged and
// does not stop the pass; a slow subject only holds up its own worker.
func (e *Engine) AnalyzeAll(ctx context.Context) PassResult {
	start := time.Now()
	var res PassResult

	var mu sync.Mutex
	var wg sync.WaitGroup
	jobs := make(chan string)
	for i := 0; i < e.cfg.AnalysisWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				added, err := e.AnalyzeSubject(id)
				mu.Lock()
				res.record(id, added, err)
				mu.Unlock()
			}
		}()
	}
feed:
	for _, id := range e.profiles.Subjects() {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- id:
		}
	}
	close(jobs)
	wg.Wait()

	cutoff := e.clock.Now().Add(-e.cfg.Retention)
	logPurged := e.activity.Purge(cutoff)
	res.PurgedActivities, res.PurgedAnomalies = e.profiles.PurgeExpired(cutoff)
	if logPurged > 0 || res.PurgedActivities > 0 || res.PurgedAnomalies > 0 {
		logger.Debugf("purged %d log records, %d profile activities, %d anomalies older than %s",
			logPurged, res.PurgedActivities, res.PurgedAnomalies, cutoff.Format(time.RFC3339))
	}

	if e.snapshots != nil {
		if err := e.snapshots.WriteProfiles(ctx, e.profiles.Summaries()); err != nil {
			logger.Warnf("profile snapshot write failed: %v", err)
		}
	}

	res.Duration = time.Since(start)
	metrics.AnalysisDuration.Observe(res.Duration.Seconds())
	metrics.Profiles.Set(float64(e.profiles.Len()))
	logger.Infof("Analysis pass: subjects=%d anomalies=%d alerts=%d failures=%d took=%s",
		res.Subjects, res.Anomalies, res.Alerts, res.Failures, res.Duration)
	return res
}

func (r *PassResult) record(subjectID string, added []models.Anomaly, err error) {
	r.Subjects++
	if err != nil {
		r.Failures++
		logger.Errorf("analysis of subject %s failed: %v", subjectID, err)
		return
	}
	r.Anomalies += len(added)
	for _, a := range added {
		if a.Severity.AtLeastHigh() {
			r.Alerts++
		}
	}
}

// AnalyzeSubject runs detection for one subject, stores new anomalies,
// recomputes risk and raises an alert for each new HIGH or CRITICAL anomaly.
// A panic in detection is recovered and returned as an error.
func (e *Engine) AnalyzeSubject(subjectID string) (added []models.Anomaly, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AnalysisFailures.Inc()
			err = fmt.Errorf("subject %s: panic: %v", subjectID, r)
		}
	}()

	p, ok := e.profiles.Profile(subjectID)
	if !ok {
		return nil, nil
	}
	now := e.clock.Now()
	candidates := e.detector.Analyze(p, now)
	added = e.profiles.AddAnomalies(subjectID, candidates)
	score := e.rescore(subjectID)

	for _, a := range added {
		metrics.AnomaliesRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		logger.WithFields(logger.Fields{
			"subject_id": subjectID,
			"anomaly_id": a.ID,
			"type":       a.Type,
			"severity":   a.Severity,
			"confidence": a.Confidence,
		}).Info("anomaly raised")
		if a.Severity.AtLeastHigh() {
			e.createAlert(anomalyAlert(a, e.cfg.AlertSource))
		}
	}
	if len(added) > 0 {
		logger.Debugf("subject %s: %d new anomalies, risk=%d", subjectID, len(added), score)
	}
	return added, nil
}

func anomalyAlert(a models.Anomaly, source string) models.AlertInput {
	label := strings.ReplaceAll(string(a.Type), "_", " ")
	meta := map[string]interface{}{
		models.MetaAnomalyID: a.ID,
		models.MetaSubjectID: a.SubjectID,
		"anomaly_type":       string(a.Type),
		"confidence":         a.Confidence,
	}
	for k, v := range a.Evidence {
		meta["evidence."+k] = v
	}
	return models.AlertInput{
		Type:     models.AlertSecurity,
		Severity: a.Severity,
		Title:    fmt.Sprintf("Behavioral anomaly: %s (%s)", label, a.SubjectID),
		Message:  a.Description,
		Source:   source,
		Metadata: meta,
	}
}
