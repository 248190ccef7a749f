package tier2

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"meetscribe/cluster"
	"meetscribe/embedding"
	"meetscribe/finalize"
	"meetscribe/providers"
	"meetscribe/reconcile"
	"meetscribe/roster"
	"meetscribe/session"
)

// RefinerOptions настройки фонового уточнения
type RefinerOptions struct {
	ClusterParams cluster.Params
	Timeout       time.Duration // Бюджет одной попытки
	RetryBackoff  time.Duration // Пауза перед единственным повтором
}

// DefaultRefinerOptions параметры по умолчанию
func DefaultRefinerOptions() RefinerOptions {
	return RefinerOptions{
		ClusterParams: cluster.DefaultParams(),
		Timeout:       10 * time.Minute,
		RetryBackoff:  30 * time.Second,
	}
}

// Refiner повторно прогоняет конвейер атрибуции по полному
// аудиоархиву: батч-транскрипция и батч-диаризация заменяют
// стриминговые результаты, ручные привязки применяются заново,
// итог подменяет Tier-1 через CAS по штампу версии.
type Refiner struct {
	manager  *session.Manager
	store    *roster.Store
	registry *providers.Registry
	mapper   *roster.Mapper
	names    *roster.NameExtractor
	resolver *reconcile.Resolver
	engine   *cluster.Engine
	opts     RefinerOptions
}

// NewRefiner создаёт уточнитель
func NewRefiner(manager *session.Manager, store *roster.Store,
	registry *providers.Registry, opts RefinerOptions) *Refiner {

	return &Refiner{
		manager:  manager,
		store:    store,
		registry: registry,
		mapper:   roster.NewMapper(),
		names:    roster.NewNameExtractor(),
		resolver: reconcile.NewResolver(),
		engine:   cluster.NewEngine(opts.ClusterParams),
		opts:     opts,
	}
}

// Refine выполняет уточнение с одним повтором при сбое. Tier-1
// результат при любом исходе остаётся нетронутым до успешного CAS.
func (r *Refiner) Refine(ctx context.Context, sessionID string) {
	if !r.registry.Tier2Capable() {
		r.recordFailure(sessionID, errors.New("batch providers not configured"))
		return
	}

	if err := r.manager.SetTier2Status(sessionID, func(st *session.Tier2Status) {
		now := time.Now()
		st.Status = session.Tier2Running
		st.StartedAt = &now
		st.Error = ""
	}); err != nil {
		log.Printf("[Tier2] Session %s gone before refinement: %v", sessionID, err)
		return
	}

	err := r.attempt(ctx, sessionID)
	if err == nil {
		return
	}
	// CAS-конфликт означает что сессия ушла вперёд или результат
	// уже применён — повтор бессмыслен, результат отброшен
	if errors.Is(err, session.ErrVersionConflict) || errors.Is(err, session.ErrSessionNotFound) {
		r.recordDiscard(sessionID, err)
		return
	}

	log.Printf("[Tier2] Refinement failed for %s: %v, retrying in %v", sessionID, err, r.opts.RetryBackoff)
	select {
	case <-ctx.Done():
		r.recordFailure(sessionID, ctx.Err())
		return
	case <-time.After(r.opts.RetryBackoff):
	}

	if err := r.attempt(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrVersionConflict) || errors.Is(err, session.ErrSessionNotFound) {
			r.recordDiscard(sessionID, err)
			return
		}
		r.recordFailure(sessionID, err)
	}
}

// recordDiscard фиксирует терминальный статус после отброшенного
// результата — иначе статус навсегда остаётся running
func (r *Refiner) recordDiscard(sessionID string, cause error) {
	log.Printf("[Tier2] Result for %s discarded: %v", sessionID, cause)
	err := r.manager.SetTier2Status(sessionID, func(st *session.Tier2Status) {
		// Уже применённый результат (дубликат триггера) не перетирается
		if st.Status != session.Tier2Running {
			return
		}
		now := time.Now()
		st.Status = session.Tier2Failed
		st.CompletedAt = &now
		st.Error = "result discarded: session changed during refinement"
	})
	if err != nil {
		// Сессия удалена — фиксировать некуда
		log.Printf("[Tier2] Discard status for %s not recorded: %v", sessionID, err)
	}
}

func (r *Refiner) recordFailure(sessionID string, cause error) {
	err := r.manager.SetTier2Status(sessionID, func(st *session.Tier2Status) {
		now := time.Now()
		st.Status = session.Tier2Failed
		st.CompletedAt = &now
		st.Error = cause.Error()
	})
	if err != nil {
		log.Printf("[Tier2] Failed to record failure for %s: %v", sessionID, err)
	}
}

// attempt одна попытка уточнения
func (r *Refiner) attempt(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	started := time.Now()

	// Штамп версии читается до начала работы: любое изменение сессии
	// во время прогона (новая ручная привязка) обесценивает результат
	expectedVersion, err := r.manager.Version(sessionID)
	if err != nil {
		return err
	}

	audioPath, err := r.manager.AudioPath(sessionID)
	if err != nil {
		return err
	}
	samples, sampleRate, err := session.ReadArchive(audioPath, session.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to read audio archive: %w", err)
	}
	if len(samples) == 0 {
		return errors.New("audio archive is empty")
	}

	// Транскрипция и диаризация независимы — выполняются параллельно
	var utterances []session.Utterance
	var segments []session.DiarizedSegment

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var terr error
		utterances, terr = r.registry.Transcriber().TranscribeBatch(gctx, samples, sampleRate)
		return terr
	})
	g.Go(func() error {
		var derr error
		segments, derr = r.registry.Diarizer().DiarizeBatch(gctx, samples, sampleRate)
		return derr
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("batch processing failed: %w", err)
	}
	if len(utterances) == 0 {
		return errors.New("batch transcription produced no utterances")
	}

	entries := r.extractEmbeddings(ctx, samples, sampleRate, segments)

	// Ручные привязки перечитываются и применяются заново без изменений
	manual, err := r.manager.ManualBindings(sessionID)
	if err != nil {
		return err
	}
	// Батч перечеканивает ID реплик и кластеров, поэтому привязки
	// переносятся на новые реплики через прошлый транскрипт
	prior, err := r.manager.TakeSnapshot(sessionID)
	if err != nil {
		return err
	}
	manual = reanchorBindings(manual, prior, utterances)

	resolved, clusterResult := r.reconcile(utterances, segments, entries, manual)

	stats := finalize.BuildStats(resolved)
	events := finalize.BuildEvents(resolved, r.names)

	sections, err := r.registry.Reporter().GenerateReport(ctx, resolved, stats)
	if err != nil {
		log.Printf("[Tier2] Report regeneration failed for %s: %v, using placeholders", sessionID, err)
		sections = providers.PlaceholderSections()
	}
	report := &session.Report{
		Version:     session.ReportTier2,
		Sections:    sections,
		GeneratedAt: time.Now(),
	}

	// Атомарная подмена: CAS по штампу версии непосредственно перед
	// записью, частичное состояние снаружи не наблюдаемо
	if err := r.manager.CommitTier2(sessionID, expectedVersion, resolved, stats, events, report); err != nil {
		return err
	}

	clusters := 0
	if clusterResult != nil {
		clusters = len(clusterResult.Clusters)
	}
	log.Printf("[Tier2] Session %s refined in %v: %d utterances, %d clusters",
		sessionID, time.Since(started).Round(time.Millisecond), len(resolved), clusters)
	return nil
}

// extractEmbeddings извлекает векторы для новых сегментов. Ошибка
// одного сегмента не прерывает остальные.
func (r *Refiner) extractEmbeddings(ctx context.Context, samples []float32,
	sampleRate int, segments []session.DiarizedSegment) []embedding.CachedEmbedding {

	embedder := r.registry.Embedder()
	if embedder == nil {
		return nil
	}

	var entries []embedding.CachedEmbedding
	for _, seg := range segments {
		start := int(seg.StartMs) * sampleRate / 1000
		end := int(seg.EndMs) * sampleRate / 1000
		if start < 0 || end > len(samples) || start >= end {
			continue
		}

		vector, err := embedder.Extract(ctx, samples[start:end])
		if err != nil {
			log.Printf("[Tier2] Embedding extraction failed for %s: %v", seg.ID, err)
			continue
		}
		entries = append(entries, embedding.CachedEmbedding{
			SegmentID:  seg.ID,
			Vector:     vector,
			StartMs:    seg.StartMs,
			EndMs:      seg.EndMs,
			StreamRole: seg.StreamRole,
		})
	}
	return entries
}

// reconcile повторное согласование: кластеризация новых эмбеддингов,
// привязка к ростеру, семиступенчатая цепочка
func (r *Refiner) reconcile(utterances []session.Utterance,
	segments []session.DiarizedSegment, entries []embedding.CachedEmbedding,
	manual []session.ManualBinding) ([]session.Utterance, *cluster.Result) {

	var clusterResult *cluster.Result
	if len(entries) > 0 {
		result, err := r.engine.Cluster(entries)
		if err != nil {
			log.Printf("[Tier2] Clustering failed: %v, continuing without cluster data", err)
		} else {
			clusterResult = result
		}
	}

	participants := r.store.GetAll()

	var bindings []roster.Binding
	var assignments map[string]string
	if clusterResult != nil {
		assignments = clusterResult.Assignments
		mentions := make(map[string][]roster.NameCandidate)
		for _, u := range utterances {
			candidates := r.names.Extract(u.Text)
			if len(candidates) == 0 {
				continue
			}
			if segID := maxOverlapSegment(u, segments); segID != "" {
				if clusterID, ok := assignments[segID]; ok {
					mentions[clusterID] = append(mentions[clusterID], candidates...)
				}
			}
		}
		bindings = r.mapper.Map(clusterResult, participants, mentions)
	}

	inputs := reconcile.Inputs{
		Utterances:  utterances,
		Segments:    segments,
		Assignments: assignments,
		Bindings:    bindings,
		Manual:      manual,
	}
	return r.resolver.Resolve(inputs), clusterResult
}

// timeSpan интервал-якорь ручной привязки
type timeSpan struct {
	startMs, endMs int64
}

// reanchorBindings переносит ручные привязки на реплики нового
// прогона. Цель привязки разворачивается во временные интервалы по
// прошлому транскрипту: прямой ID реплики даёт её интервал, привязка
// к кластеру — интервалы реплик, которые она пометила в прошлом
// прогоне. Каждая новая реплика получает привязку с максимальным
// суммарным перекрытием — тем же правилом, которым выравниваются
// транскрипция и диаризация.
func reanchorBindings(manual []session.ManualBinding, prior session.Snapshot,
	utterances []session.Utterance) []session.ManualBinding {

	if len(manual) == 0 {
		return manual
	}

	anchors := make([][]timeSpan, len(manual))
	for i, mb := range manual {
		for _, u := range prior.Utterances {
			if u.ID == mb.TargetID {
				anchors[i] = append(anchors[i], timeSpan{u.StartMs, u.EndMs})
			}
		}
		if len(anchors[i]) > 0 {
			continue
		}
		for _, u := range prior.Utterances {
			if u.ResolutionPriority == reconcile.PriorityManual && u.SpeakerLabel == mb.Participant {
				anchors[i] = append(anchors[i], timeSpan{u.StartMs, u.EndMs})
			}
		}
	}

	// Прямые совпадения ID остаются в силе
	out := make([]session.ManualBinding, 0, len(manual)+len(utterances))
	out = append(out, manual...)

	for _, u := range utterances {
		bestIdx := -1
		var bestOverlap int64
		for i := range manual {
			var total int64
			for _, sp := range anchors[i] {
				total += overlapSpanMs(u.StartMs, u.EndMs, sp.startMs, sp.endMs)
			}
			switch {
			case total > bestOverlap:
				bestIdx, bestOverlap = i, total
			case total == bestOverlap && total > 0 && manual[i].CreatedAt.After(manual[bestIdx].CreatedAt):
				bestIdx = i
			}
		}
		if bestIdx >= 0 {
			mb := manual[bestIdx]
			mb.TargetID = u.ID
			out = append(out, mb)
		}
	}
	return out
}

func overlapSpanMs(aStart, aEnd, bStart, bEnd int64) int64 {
	start := max(aStart, bStart)
	end := min(aEnd, bEnd)
	if end <= start {
		return 0
	}
	return end - start
}

func maxOverlapSegment(u session.Utterance, segments []session.DiarizedSegment) string {
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
