// Package finalize реализует конвейер финализации сессии: строгую
// линейную последовательность этапов от заморозки живых данных до
// персистентного Tier-1 результата и планирования фонового уточнения
package finalize

import (
	"context"
	"fmt"
	"log"
	"time"

	"meetscribe/cluster"
	"meetscribe/embedding"
	"meetscribe/providers"
	"meetscribe/reconcile"
	"meetscribe/roster"
	"meetscribe/session"
)

// StageError фатальная ошибка этапа конвейера. Называет этап,
// на котором прогон остановился, и последний завершённый этап.
type StageError struct {
	Stage         session.Stage
	LastCompleted session.Stage
	Err           error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("finalize stage %s failed (last completed: %s): %v",
		e.Stage, e.LastCompleted, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Tier2Scheduler откладывает фоновое уточнение. Планирование
// идемпотентно: повторный вызов для той же сессии не создаёт
// второй задачи.
type Tier2Scheduler interface {
	Schedule(sessionID string, delay time.Duration)
}

// Options настройки конвейера
type Options struct {
	ClusterParams cluster.Params
	Budget        time.Duration // Бюджет стенки до persist включительно
	Tier2Delay    time.Duration // Отсрочка запуска фонового уточнения
}

// DefaultOptions параметры по умолчанию
func DefaultOptions() Options {
	return Options{
		ClusterParams: cluster.DefaultParams(),
		Budget:        45 * time.Second,
		Tier2Delay:    5 * time.Second,
	}
}

// Result итог Tier-1 финализации
type Result struct {
	StageReached       session.Stage
	Utterances         []session.Utterance
	Clusters           map[string][]string
	Confidence         float64
	ClusteringDegraded bool
	Report             *session.Report
}

// Orchestrator выполняет финализацию сессий
type Orchestrator struct {
	manager   *session.Manager
	store     *roster.Store
	mapper    *roster.Mapper
	names     *roster.NameExtractor
	resolver  *reconcile.Resolver
	engine    *cluster.Engine
	reporter  providers.ReportGenerator
	scheduler Tier2Scheduler
	opts      Options
}

// NewOrchestrator создаёт оркестратор. scheduler может быть nil —
// тогда этап schedule_tier2 пропускается.
func NewOrchestrator(manager *session.Manager, store *roster.Store,
	reporter providers.ReportGenerator, scheduler Tier2Scheduler, opts Options) *Orchestrator {

	return &Orchestrator{
		manager:   manager,
		store:     store,
		mapper:    roster.NewMapper(),
		names:     roster.NewNameExtractor(),
		resolver:  reconcile.NewResolver(),
		engine:    cluster.NewEngine(opts.ClusterParams),
		reporter:  reporter,
		scheduler: scheduler,
		opts:      opts,
	}
}

// Run выполняет полный прогон финализации. Конкурирующий вызов для
// той же сессии получает ErrFinalizeInProgress через StageError
// этапа freeze.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Budget)
	defer cancel()

	started := time.Now()
	var lastCompleted session.Stage

	fatal := func(stage session.Stage, err error) (*Result, error) {
		o.manager.AbortFinalize(sessionID, fmt.Sprintf("%s: %v", stage, err))
		return nil, &StageError{Stage: stage, LastCompleted: lastCompleted, Err: err}
	}

	// freeze: защёлка финализации, живой ввод отклоняется
	o.manager.SetStage(sessionID, session.StageFreeze)
	if _, err := o.manager.BeginFinalize(sessionID); err != nil {
		return nil, &StageError{Stage: session.StageFreeze, LastCompleted: lastCompleted, Err: err}
	}
	defer o.manager.EndFinalize(sessionID)
	lastCompleted = session.StageFreeze

	// drain: снимки живых данных и кэша эмбеддингов
	o.manager.SetStage(sessionID, session.StageDrain)
	snap, err := o.manager.TakeSnapshot(sessionID)
	if err != nil {
		return fatal(session.StageDrain, err)
	}
	cache, err := o.manager.Cache(sessionID)
	if err != nil {
		return fatal(session.StageDrain, err)
	}
	entries := cache.GetAll()
	lastCompleted = session.StageDrain

	// replay: лог ручных привязок применяется первым при любом прогоне
	o.manager.SetStage(sessionID, session.StageReplay)
	manual, err := o.manager.ManualBindings(sessionID)
	if err != nil {
		return fatal(session.StageReplay, err)
	}
	lastCompleted = session.StageReplay

	// cluster: мягкий отказ — конвейер продолжает без кластерных данных
	o.manager.SetStage(sessionID, session.StageCluster)
	clusterResult, degraded := o.runClustering(ctx, entries)
	lastCompleted = session.StageCluster

	// reconcile: ростер + семиступенчатая цепочка приоритетов
	o.manager.SetStage(sessionID, session.StageReconcile)
	resolved := o.reconcileUtterances(snap, entries, clusterResult, manual)
	lastCompleted = session.StageReconcile

	// stats
	o.manager.SetStage(sessionID, session.StageStats)
	stats := BuildStats(resolved)
	lastCompleted = session.StageStats

	// events
	o.manager.SetStage(sessionID, session.StageEvents)
	events := BuildEvents(resolved, o.names)
	lastCompleted = session.StageEvents

	// report: мягкий отказ — явные секции-заглушки вместо пустоты
	o.manager.SetStage(sessionID, session.StageReport)
	sections, err := o.reporter.GenerateReport(ctx, resolved, stats)
	if err != nil {
		log.Printf("[Finalize] Report generation failed for %s: %v, using placeholders", sessionID, err)
		sections = providers.PlaceholderSections()
	}
	report := &session.Report{
		Version:     session.ReportTier1,
		Sections:    sections,
		GeneratedAt: time.Now(),
	}
	lastCompleted = session.StageReport

	// persist: ровно одна запись за успешный прогон
	o.manager.SetStage(sessionID, session.StagePersist)
	if err := o.manager.CommitTier1(sessionID, resolved, stats, events, report, degraded); err != nil {
		return fatal(session.StagePersist, err)
	}
	lastCompleted = session.StagePersist

	// schedule_tier2: единственный этап, передающий работу за пределы
	// ответа
	o.manager.SetStage(sessionID, session.StageScheduleTier2)
	if snap.Tier2Enabled && o.scheduler != nil {
		o.scheduler.Schedule(sessionID, o.opts.Tier2Delay)
	}
	lastCompleted = session.StageScheduleTier2

	o.manager.SetStage(sessionID, session.StageDone)

	result := &Result{
		StageReached:       session.StageDone,
		Utterances:         resolved,
		Clusters:           map[string][]string{},
		ClusteringDegraded: degraded,
		Report:             report,
	}
	if clusterResult != nil {
		result.Clusters = clusterResult.Clusters
		result.Confidence = clusterResult.Confidence
	}

	log.Printf("[Finalize] Session %s finalized in %v: %d utterances, %d clusters, degraded=%v",
		sessionID, time.Since(started).Round(time.Millisecond), len(resolved), len(result.Clusters), degraded)
	return result, nil
}

// runClustering выполняет кластеризацию с мягкой деградацией:
// ошибка или истёкший бюджет дают degraded=true, а не прерывание
func (o *Orchestrator) runClustering(ctx context.Context, entries []embedding.CachedEmbedding) (*cluster.Result, bool) {
	if len(entries) == 0 {
		log.Printf("[Finalize] Empty embedding cache, skipping clustering")
		return nil, true
	}
	if err := ctx.Err(); err != nil {
		log.Printf("[Finalize] Clustering skipped, budget exhausted: %v", err)
		return nil, true
	}

	result, err := o.engine.Cluster(entries)
	if err != nil {
		log.Printf("[Finalize] Clustering failed: %v, continuing degraded", err)
		return nil, true
	}
	if err := ctx.Err(); err != nil {
		log.Printf("[Finalize] Clustering exceeded budget: %v, continuing degraded", err)
		return nil, true
	}
	return result, false
}

// reconcileUtterances собирает входы резолвера и выполняет согласование
func (o *Orchestrator) reconcileUtterances(snap session.Snapshot,
	entries []embedding.CachedEmbedding, clusterResult *cluster.Result,
	manual []session.ManualBinding) []session.Utterance {

	participants := o.store.GetAll()

	var bindings []roster.Binding
	var assignments map[string]string
	if clusterResult != nil {
		assignments = clusterResult.Assignments
		mentions := o.clusterMentions(snap.Utterances, snap.Segments, assignments)
		bindings = o.mapper.Map(clusterResult, participants, mentions)
	}

	inputs := reconcile.Inputs{
		Utterances:       snap.Utterances,
		Segments:         snap.Segments,
		Assignments:      assignments,
		Bindings:         bindings,
		Manual:           manual,
		WindowEnrollment: o.windowEnrollment(entries, participants),
		WindowNames:      windowNames(snap.Utterances, snap.Segments, o.names),
		ExternalLabels:   externalLabels(snap.Segments),
	}
	return o.resolver.Resolve(inputs)
}

// clusterMentions собирает кандидатов имён по кластерам: имена,
// произнесённые в репликах, относятся к кластеру сегмента реплики
func (o *Orchestrator) clusterMentions(utterances []session.Utterance,
	segments []session.DiarizedSegment, assignments map[string]string) map[string][]roster.NameCandidate {

	mentions := make(map[string][]roster.NameCandidate)
	for _, u := range utterances {
		candidates := o.names.Extract(u.Text)
		if len(candidates) == 0 {
			continue
		}
		segID := overlapSegmentID(u, segments)
		if segID == "" {
			continue
		}
		clusterID, ok := assignments[segID]
		if !ok {
			continue
		}
		mentions[clusterID] = append(mentions[clusterID], candidates...)
	}
	return mentions
}

// windowEnrollment пооконное сопоставление с эталонами: каждый
// закэшированный сегмент сравнивается с ростером напрямую, без
// кластеризации. Fallback для деградированного режима (приоритет 4).
func (o *Orchestrator) windowEnrollment(entries []embedding.CachedEmbedding,
	participants []roster.Participant) map[string]reconcile.WindowMatch {

	matches := make(map[string]reconcile.WindowMatch)
	for _, entry := range entries {
		var best roster.Participant
		bestSim := -1.0
		for _, p := range participants {
			if len(p.Embedding) == 0 {
				continue
			}
			sim := cluster.CosineSimilarity(entry.Vector, p.Embedding)
			if sim > bestSim {
				best, bestSim = p, sim
			}
		}
		if bestSim >= roster.EnrollmentThreshold {
			matches[entry.SegmentID] = reconcile.WindowMatch{
				Participant: best.Name,
				Similarity:  bestSim,
			}
		}
	}
	return matches
}

// windowNames пооконные кандидаты имён: самопредставление в реплике
// относится к её сегменту (приоритет 5)
func windowNames(utterances []session.Utterance, segments []session.DiarizedSegment,
	names *roster.NameExtractor) map[string]roster.NameCandidate {

	out := make(map[string]roster.NameCandidate)
	for _, u := range utterances {
		candidates := names.Extract(u.Text)
		if len(candidates) == 0 {
			continue
		}
		segID := overlapSegmentID(u, segments)
		if segID == "" {
			continue
		}
		if prev, ok := out[segID]; !ok || candidates[0].Confidence > prev.Confidence {
			out[segID] = candidates[0]
		}
	}
	return out
}

// externalLabels метки внешнего диаризатора: локальная метка
// сегмента как последний осмысленный fallback (приоритет 6)
func externalLabels(segments []session.DiarizedSegment) map[string]string {
	out := make(map[string]string, len(segments))
	for _, seg := range segments {
		if seg.LocalSpeaker != "" {
			out[seg.ID] = "Speaker " + seg.LocalSpeaker
		}
	}
	return out
}

// overlapSegmentID сегмент с максимальным временным перекрытием
func overlapSegmentID(u session.Utterance, segments []session.DiarizedSegment) string {
	bestID := ""
	var bestOverlap int64
	for _, seg := range segments {
		start := max(u.StartMs, seg.StartMs)
		end := min(u.EndMs, seg.EndMs)
		if end-start > bestOverlap {
			bestOverlap = end - start
			bestID = seg.ID
		}
	}
	return bestID
}
